// object_layout.go - 固定槽位的实例布局
//
// 实例的字段存放在按类型声明顺序排列的槽位数组中。
// 类型带一个全局唯一的版本号, 字段集合变化时更新;
// LOAD_ATTR_INSTANCE_VALUE 把 (类型版本, 槽位) 缓存在内联缓存中,
// 版本匹配即可直接按槽位读取, 无需名字查找。

package bytecode

import (
	"strings"

	"go.uber.org/atomic"
)

// nextVersion 进程级版本分配器, 0 保留为"无效版本"
var nextVersion atomic.Uint32

// NewVersion 分配一个新的全局唯一版本号 (不为 0)
func NewVersion() uint32 {
	for {
		if v := nextVersion.Inc(); v != 0 {
			return v
		}
	}
}

// Type 实例类型
type Type struct {
	Name    string
	fields  []string
	index   map[string]int
	version atomic.Uint32
}

// NewType 创建类型
func NewType(name string, fields ...string) *Type {
	t := &Type{Name: name, index: make(map[string]int, len(fields))}
	for _, f := range fields {
		t.addField(f)
	}
	t.version.Store(NewVersion())
	return t
}

func (t *Type) addField(name string) int {
	if slot, ok := t.index[name]; ok {
		return slot
	}
	t.index[name] = len(t.fields)
	t.fields = append(t.fields, name)
	return len(t.fields) - 1
}

// AddField 增加字段, 类型版本随之失效
func (t *Type) AddField(name string) int {
	slot := t.addField(name)
	t.version.Store(NewVersion())
	return slot
}

// Fields 字段名 (按槽位顺序)
func (t *Type) Fields() []string { return t.fields }

// Slot 字段槽位
func (t *Type) Slot(name string) (int, bool) {
	slot, ok := t.index[name]
	return slot, ok
}

// Version 当前类型版本
func (t *Type) Version() uint32 { return t.version.Load() }

// Instance 类型实例
type Instance struct {
	Type  *Type
	Slots []Value
}

// NewInstance 创建实例, 未给出的字段为 null
func NewInstance(t *Type, values ...Value) *Instance {
	slots := make([]Value, len(t.fields))
	copy(slots, values)
	return &Instance{Type: t, Slots: slots}
}

// Field 按名字读取字段
func (inst *Instance) Field(name string) (Value, bool) {
	slot, ok := inst.Type.Slot(name)
	if !ok || slot >= len(inst.Slots) {
		return NullValue, false
	}
	return inst.Slots[slot], true
}

func (inst *Instance) String() string {
	var sb strings.Builder
	sb.WriteString(inst.Type.Name)
	sb.WriteByte('(')
	for i, name := range inst.Type.fields {
		if i >= len(inst.Slots) {
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(inst.Slots[i].String())
	}
	sb.WriteByte(')')
	return sb.String()
}
