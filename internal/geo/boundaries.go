package geo

import "strings"

// 文档注释：边界查询能力
// 背景：由历史边界图层发布、经编排器注入给声明依赖的图层（如人口），替代进程级全局引用。
// 约束：只读；调用方需容忍边界尚未加载（注入值为 nil）或正在替换。
type BoundaryLookup interface {
	Year() int
	Feature(code string) (*Feature, bool)
	Features() []*Feature
}

// BoundarySet：某一年份的边界快照，按 ISO3 代码建索引
type BoundarySet struct {
	year   int
	fc     *FeatureCollection
	byCode map[string]*Feature
}

func NewBoundarySet(year int, fc *FeatureCollection) *BoundarySet {
	s := &BoundarySet{year: year, fc: fc, byCode: make(map[string]*Feature)}
	if fc == nil {
		return s
	}
	for _, f := range fc.Features {
		if c := f.Code(); c != "" {
			s.byCode[strings.ToUpper(c)] = f
		}
	}
	return s
}

func (s *BoundarySet) Year() int { return s.year }

func (s *BoundarySet) Feature(code string) (*Feature, bool) {
	f, ok := s.byCode[strings.ToUpper(code)]
	return f, ok
}

func (s *BoundarySet) Features() []*Feature {
	if s.fc == nil {
		return nil
	}
	return s.fc.Features
}

// FeatureAt：返回包含该点的第一个要素
func (s *BoundarySet) FeatureAt(p Point) (*Feature, bool) {
	for _, f := range s.Features() {
		if f.Contains(p) {
			return f, true
		}
	}
	return nil, false
}
