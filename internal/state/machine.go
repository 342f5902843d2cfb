package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// ChangeFunc 状态变更回调，在状态机锁外调用
type ChangeFunc func(name, from, to string)

// Machine 具名状态机，session 和 stream 共用
type Machine struct {
	mu       sync.RWMutex
	name     string
	fsm      *fsm.FSM
	since    time.Time
	onChange ChangeFunc
}

// NewMachine 创建状态机
func NewMachine(name, initial string, events fsm.Events, onChange ChangeFunc) *Machine {
	return &Machine{
		name:     name,
		fsm:      fsm.NewFSM(initial, events, fsm.Callbacks{}),
		since:    time.Now(),
		onChange: onChange,
	}
}

// Name 状态机名称
func (m *Machine) Name() string {
	return m.name
}

// Current 获取当前状态
func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Is 是否处于指定状态
func (m *Machine) Is(state string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Is(state)
}

// Since 进入当前状态的时间
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Can 检查事件在当前状态下是否允许
func (m *Machine) Can(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Fire 触发事件，状态未改变时不报错
func (m *Machine) Fire(event string) error {
	m.mu.Lock()
	from := m.fsm.Current()
	err := m.fsm.Event(context.Background(), event)
	to := m.fsm.Current()
	if from != to {
		m.since = time.Now()
	}
	m.mu.Unlock()

	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("%s: trigger event %s: %w", m.name, event, err)
	}

	if from != to && m.onChange != nil {
		m.onChange(m.name, from, to)
	}
	return nil
}

// Manager 状态机管理器，按名称索引
type Manager struct {
	mu       sync.RWMutex
	initial  string
	events   fsm.Events
	machines map[string]*Machine
	onChange ChangeFunc
}

// NewManager 创建管理器，所有状态机共享同一组事件定义
func NewManager(initial string, events fsm.Events, onChange ChangeFunc) *Manager {
	return &Manager{
		initial:  initial,
		events:   events,
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(name string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[name]; ok {
		return machine
	}

	machine := NewMachine(name, m.initial, m.events, m.onChange)
	m.machines[name] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(name string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[name]
	return machine, ok
}

// States 获取所有状态机的当前状态
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.machines))
	for name, machine := range m.machines {
		states[name] = machine.Current()
	}
	return states
}
