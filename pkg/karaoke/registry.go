package karaoke

import (
	"hash/fnv"
	"sync"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// ShardCount количество шардов реестра.
// Должно быть степенью 2: индекс шарда берется маской.
const ShardCount = 32

type registryShard struct {
	legs  map[mscontrol.Key]*Leg
	mutex sync.RWMutex
}

// Registry потокобезопасная карта активных ног по корреляционному ключу.
//
// Ноги распределены по шардам по FNV-хэшу ключа, у каждого шарда свой
// мьютекс, поэтому события разных вызовов не конкурируют за одну блокировку.
type Registry struct {
	shards [ShardCount]*registryShard
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			legs: make(map[mscontrol.Key]*Leg),
		}
	}
	return r
}

func (r *Registry) shard(key mscontrol.Key) *registryShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return r.shards[hasher.Sum32()&(ShardCount-1)]
}

// SetIfAbsent регистрирует ногу, если ключ свободен
func (r *Registry) SetIfAbsent(key mscontrol.Key, leg *Leg) bool {
	shard := r.shard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if _, exists := shard.legs[key]; exists {
		return false
	}
	shard.legs[key] = leg
	return true
}

// Get возвращает ногу по ключу
func (r *Registry) Get(key mscontrol.Key) (*Leg, bool) {
	shard := r.shard(key)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()

	leg, ok := shard.legs[key]
	return leg, ok
}

// Delete удаляет запись, только если она указывает на leg.
// Так освобождение старой ноги не удалит новую с тем же ключом.
func (r *Registry) Delete(key mscontrol.Key, leg *Leg) bool {
	shard := r.shard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if cur, ok := shard.legs[key]; ok && cur == leg {
		delete(shard.legs, key)
		return true
	}
	return false
}

// Count количество зарегистрированных ног
func (r *Registry) Count() int {
	count := 0
	for i := range r.shards {
		r.shards[i].mutex.RLock()
		count += len(r.shards[i].legs)
		r.shards[i].mutex.RUnlock()
	}
	return count
}

// ForEach вызывает fn для снимка всех ног. fn выполняется вне блокировок
// и может освобождать ноги.
func (r *Registry) ForEach(fn func(mscontrol.Key, *Leg)) {
	snapshot := make(map[mscontrol.Key]*Leg)
	for i := range r.shards {
		r.shards[i].mutex.RLock()
		for key, leg := range r.shards[i].legs {
			snapshot[key] = leg
		}
		r.shards[i].mutex.RUnlock()
	}

	for key, leg := range snapshot {
		fn(key, leg)
	}
}

// ShardStats распределение ног по шардам, для диагностики
func (r *Registry) ShardStats() map[int]int {
	stats := make(map[int]int, ShardCount)
	for i := range r.shards {
		r.shards[i].mutex.RLock()
		stats[i] = len(r.shards[i].legs)
		r.shards[i].mutex.RUnlock()
	}
	return stats
}
