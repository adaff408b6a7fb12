package lagtracker

import (
	"math"
	"testing"
)

func TestPriceBuffer_AddRejectsInvalid(t *testing.T) {
	b := NewPriceBuffer(10, 60000, 5)

	cases := []struct {
		name  string
		price float64
		ts    int64
	}{
		{"零价格", 0, 1000},
		{"负价格", -1.5, 1000},
		{"负时间戳", 100, -1},
		{"NaN", math.NaN(), 1000},
		{"Inf", math.Inf(1), 1000},
	}
	for _, c := range cases {
		if b.Add(c.price, c.ts) {
			t.Fatalf("%s: Add 应当拒收 price=%v ts=%d", c.name, c.price, c.ts)
		}
	}
	if b.Len() != 0 {
		t.Fatalf("拒收后缓冲区应为空 got=%d", b.Len())
	}

	if !b.Add(100.5, 1000) {
		t.Fatalf("合法样本应被接受")
	}
	if b.Len() != 1 {
		t.Fatalf("Len got=%d want=1", b.Len())
	}
}

func TestPriceBuffer_SizeCapEveryAdd(t *testing.T) {
	b := NewPriceBuffer(5, 1<<40, 1000000) // 年龄清理实际不触发

	for i := int64(0); i < 20; i++ {
		b.Add(100+float64(i), 1000+i)
	}
	if b.Len() != 5 {
		t.Fatalf("Len got=%d want=5", b.Len())
	}
	// 幸存的应当是最新的 5 个，顺序保持
	pts := b.All()
	for i, p := range pts {
		wantTs := int64(1000 + 15 + i)
		if p.TimestampMs != wantTs {
			t.Fatalf("pts[%d].TimestampMs got=%d want=%d", i, p.TimestampMs, wantTs)
		}
	}
}

func TestPriceBuffer_AmortizedAgeEviction(t *testing.T) {
	// cleanupInterval=4：第 4、8… 次 add 触发年龄清理
	b := NewPriceBuffer(100, 1000, 4)

	b.Add(1, 0)   // 稍后会超龄
	b.Add(2, 100) // 同上
	b.Add(3, 5000)
	if b.Len() != 3 {
		t.Fatalf("清理触发前不应驱逐 got=%d", b.Len())
	}

	// 第 4 次 add 触发清理，cutoff = 5100-1000 = 4100
	b.Add(4, 5100)
	if b.Len() != 2 {
		t.Fatalf("清理后 Len got=%d want=2", b.Len())
	}
	for _, p := range b.All() {
		if p.TimestampMs < 4100 {
			t.Fatalf("超龄样本仍在缓冲区: ts=%d", p.TimestampMs)
		}
	}
}

func TestPriceBuffer_RangeInclusive(t *testing.T) {
	b := NewPriceBuffer(100, 1<<40, 1000000)
	for i := int64(0); i < 10; i++ {
		b.Add(float64(i+1), i*100)
	}

	got := b.Range(200, 500)
	if len(got) != 4 {
		t.Fatalf("Range 长度 got=%d want=4", len(got))
	}
	// 端点含入
	if got[0].TimestampMs != 200 || got[len(got)-1].TimestampMs != 500 {
		t.Fatalf("Range 端点 got=[%d,%d] want=[200,500]", got[0].TimestampMs, got[len(got)-1].TimestampMs)
	}

	if n := len(b.Range(10000, 20000)); n != 0 {
		t.Fatalf("空窗口应返回空切片 got=%d", n)
	}
}

func TestPriceBuffer_FindClosest(t *testing.T) {
	b := NewPriceBuffer(100, 1<<40, 1000000)
	b.Add(1.0, 1000)
	b.Add(2.0, 2000)
	b.Add(3.0, 3100)

	p, ok := b.FindClosest(2050, 100)
	if !ok || p.TimestampMs != 2000 {
		t.Fatalf("FindClosest got=(%+v,%v) want ts=2000", p, ok)
	}

	// 最近样本超出容差
	if _, ok := b.FindClosest(2550, 100); ok {
		t.Fatalf("超出容差不应命中")
	}

	empty := NewPriceBuffer(10, 1000, 10)
	if _, ok := empty.FindClosest(0, 1000); ok {
		t.Fatalf("空缓冲区不应命中")
	}
}

func TestPriceBuffer_AllReturnsCopy(t *testing.T) {
	b := NewPriceBuffer(10, 1<<40, 1000000)
	b.Add(1.0, 100)

	out := b.All()
	out[0].Price = 999

	if b.All()[0].Price != 1.0 {
		t.Fatalf("All 必须返回拷贝，内部状态被外部修改了")
	}
}

func TestPriceBuffer_Clear(t *testing.T) {
	b := NewPriceBuffer(10, 1<<40, 1000000)
	b.Add(1.0, 100)
	b.Add(2.0, 200)
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Clear 后 Len got=%d want=0", b.Len())
	}
	// 清空后继续可用
	if !b.Add(3.0, 300) {
		t.Fatalf("Clear 后 Add 失败")
	}
}
