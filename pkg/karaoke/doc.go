// Package karaoke реализует приложение караоке поверх медиа сервера.
//
// Абонент звонит, слушает приветствие и выбирает "1" (поет один) или
// "2" (собирает хор: друзьям уходят приглашения, "0" запускает запись).
// После окончания трека абонент выбирает вариант прослушивания результата,
// по его окончании вызов завершается BYE.
//
// Каждая нога вызова это машина состояний (looplab/fsm), построенная из
// одной декларативной таблицы переходов. События ноги приходят через
// Controller.DispatchEvent и обрабатываются по одному в порядке поступления.
// Любое событие, для которого переход не определен, освобождает ногу.
package karaoke
