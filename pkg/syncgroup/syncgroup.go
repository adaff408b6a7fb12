package syncgroup

import "sync"

// Group 是 sync.WaitGroup 的薄封装，统一管理后台 goroutine 的启动与回收
// 避免散落在各处的 Add()/Done() 配对遗漏
type Group struct {
	wg sync.WaitGroup
}

// New 创建新的 Group
func New() *Group {
	return &Group{}
}

// Go 启动一个受管 goroutine
func (g *Group) Go(fn func()) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait 等待所有受管 goroutine 完成
func (g *Group) Wait() {
	g.wg.Wait()
}
