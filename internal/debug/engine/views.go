package engine

import "github.com/dshills/cdbengine/internal/debug/mi"

// StackFrame is one frame of the current thread's call stack.
type StackFrame struct {
	Level    int
	Function string
	File     string
	Line     int
	Address  string
	Module   string
}

// HasSource reports whether the frame maps to a source location.
func (f StackFrame) HasSource() bool {
	return f.File != "" && f.Line > 0
}

// Thread is one thread of the debuggee.
type Thread struct {
	ID       int
	TargetID string
	Name     string
	State    string
	Frame    StackFrame
}

// ThreadList is the debuggee's threads and the current one.
type ThreadList struct {
	Current int
	Threads []Thread
}

// Register is a CPU register and its value as reported by the debugger.
type Register struct {
	Name  string
	Value string
}

// Module is a loaded image.
type Module struct {
	Name  string
	Image string
	Start string
	End   string
}

// ParseStack decodes a stack reply of the form
// [frame={level="0",func="main",file="a.c",line="10",addr="0x1",from="app"},...].
func ParseStack(v mi.Value) []StackFrame {
	frames := make([]StackFrame, 0, v.Len())
	for _, c := range v.Children {
		frames = append(frames, parseFrame(c))
	}
	return frames
}

func parseFrame(v mi.Value) StackFrame {
	if f := v.Child("frame"); f.IsValid() {
		v = f
	}
	file := v.Child("fullname").Data
	if file == "" {
		file = v.Child("file").Data
	}
	return StackFrame{
		Level:    v.Child("level").IntOr(0),
		Function: v.Child("func").Data,
		File:     file,
		Line:     v.Child("line").IntOr(0),
		Address:  v.Child("addr").Data,
		Module:   v.Child("from").Data,
	}
}

// ParseThreads decodes a threads reply of the form
// {current-thread-id="1",threads=[{id="1",target-id="1a2c",name="main",state="stopped",frame={...}}]}.
func ParseThreads(v mi.Value) ThreadList {
	list := ThreadList{Current: v.Child("current-thread-id").IntOr(-1)}
	threads := v.Child("threads")
	for _, t := range threads.Children {
		th := Thread{
			ID:       t.Child("id").IntOr(-1),
			TargetID: t.Child("target-id").Data,
			Name:     t.Child("name").Data,
			State:    t.Child("state").Data,
		}
		if f := t.Child("frame"); f.IsValid() {
			th.Frame = parseFrame(f)
		}
		list.Threads = append(list.Threads, th)
	}
	return list
}

// ParseRegisters decodes [{name="rax",value="0x0"},...].
func ParseRegisters(v mi.Value) []Register {
	regs := make([]Register, 0, v.Len())
	for _, r := range v.Children {
		regs = append(regs, Register{
			Name:  r.Child("name").Data,
			Value: r.Child("value").Data,
		})
	}
	return regs
}

// ParseModules decodes [{name="app",image="C:\\app.exe",start="0x1",end="0x2"},...].
func ParseModules(v mi.Value) []Module {
	mods := make([]Module, 0, v.Len())
	for _, m := range v.Children {
		mods = append(mods, Module{
			Name:  m.Child("name").Data,
			Image: m.Child("image").Data,
			Start: m.Child("start").Data,
			End:   m.Child("end").Data,
		})
	}
	return mods
}
