package manifest

// Diff 汇总两个版本清单之间的差异，供升级预览使用。
type Diff struct {
	// Removed 新清单中已不存在，升级时从 content 淘汰。
	Removed []string `json:"removed"`
	// Changed 指纹变化，升级时淘汰，之后按需回源。
	Changed []string `json:"changed"`
	// Retained 指纹未变，升级后继续复用。
	Retained []string `json:"retained"`
	// Added 新增资源，首次请求时懒加载。
	Added []string `json:"added"`
	// Restaged 壳文件，无论指纹是否变化都会被 staging 覆盖。
	Restaged []string `json:"restaged"`
}

// Compare 计算 previous → current 的差异。结果内各列表均已排序。
func Compare(previous Resources, current *Manifest) Diff {
	var d Diff
	for _, p := range previous.Paths() {
		if !current.Has(p) {
			d.Removed = append(d.Removed, p)
			continue
		}
		if Stale(previous, current.Resources, p) {
			d.Changed = append(d.Changed, p)
			continue
		}
		if !current.IsCore(p) {
			d.Retained = append(d.Retained, p)
		}
	}
	for _, p := range current.Paths() {
		if _, ok := previous[p]; !ok {
			d.Added = append(d.Added, p)
		}
		if current.IsCore(p) {
			d.Restaged = append(d.Restaged, p)
		}
	}
	return d
}
