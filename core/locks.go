package core

import (
	"hash/fnv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const userLockShards = 256

// userLocks serialises balance-mutating work per user. Users hashing to the
// same shard share a mutex; memory stays constant.
type userLocks struct {
	shards [userLockShards]sync.Mutex
}

func (l *userLocks) lock(user common.Address) func() {
	h := fnv.New32a()
	h.Write(user.Bytes())
	m := &l.shards[h.Sum32()%userLockShards]
	m.Lock()
	return m.Unlock
}
