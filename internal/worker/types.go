package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/queuectl/internal/backoff"
	"github.com/ChuLiYu/queuectl/internal/executor"
)

// Result 代表任務執行結果
type Result = executor.Result

// StopSignal reports whether the operator asked the pool to stop. It is
// polled once per loop iteration.
type StopSignal func() bool

// Config 控制 worker 迴圈的節奏
type Config struct {
	IdleInterval    time.Duration  // 沒有任務時的休眠時間（會加上抖動）
	ReclaimInterval time.Duration  // 回收過期租約的間隔，0 表示每輪都執行
	ErrorBackoff    time.Duration  // 基礎設施錯誤後的等待
	HeartbeatEvery  int            // 每 N 次空轉記錄一次 "no jobs yet"
	Policy          backoff.Policy // 重試退避
	HostID          string         // worker id 前綴，預設 <host>-<pid>
}

// DefaultConfig returns the shipped loop settings.
func DefaultConfig() Config {
	return Config{
		IdleInterval:    250 * time.Millisecond,
		ReclaimInterval: 0,
		ErrorBackoff:    time.Second,
		HeartbeatEvery:  20,
		Policy:          backoff.DefaultPolicy,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.Policy == (backoff.Policy{}) {
		c.Policy = def.Policy
	}
	if c.HostID == "" {
		c.HostID = DefaultHostID()
	}
	return c
}

// DefaultHostID returns <hostname>-<pid>.
func DefaultHostID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// WorkerID formats the id of the n-th loop.
func WorkerID(hostID string, n int) string {
	return fmt.Sprintf("%s-w%d", hostID, n)
}
