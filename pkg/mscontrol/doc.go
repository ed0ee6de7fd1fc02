// Package mscontrol описывает границу между ядром управления вызовами и
// внешними сервисами: медиа сервером, сигнальным сервисом (SIP) и
// хранилищем/сервисом присутствия.
//
// Ядро (пакеты karaoke, addressbook, playback) работает только через эти
// интерфейсы. Реальные SDP, RTP, VoiceXML и микширование остаются на стороне
// реализаций: mediasim для локального запуска и тестов, sipsignal для SIP.
//
// События от внешних сервисов приходят в EventSink с корреляционным ключом
// владельца ресурса. Ошибки ядра представлены типом ControlError; все они
// терминальны для затронутой ноги.
package mscontrol
