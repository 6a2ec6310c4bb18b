package uws

import "sync"

// Loop 事件循环句柄
// event loop handle
// 投递到同一个循环的任务按序串行执行; 每条连接亲和于唯一的循环,
// 跨循环的操作(如Transfer的慢路径)通过Post投递
// jobs posted to one loop run serially in order; every connection is
// affinitised to a single loop, cross loop operations (e.g. the slow path of
// Transfer) go through Post
type Loop struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// NewLoop 创建事件循环
// creates a loop
func NewLoop() *Loop {
	return &Loop{}
}

// Post 投递一个任务, 循环空闲时立即开始执行
// posts a job, execution starts immediately when the loop is idle
func (c *Loop) Post(job func()) {
	c.mu.Lock()
	c.pending = append(c.pending, job)
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	go c.run()
}

// run 顺序消费任务队列, 清空后退出
// drains the job queue in order, exits once empty
func (c *Loop) run() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		var job = c.pending[0]
		c.pending = c.pending[1:]
		if len(c.pending) == 0 && cap(c.pending) >= 128 {
			c.pending = nil
		}
		c.mu.Unlock()
		job()
	}
}
