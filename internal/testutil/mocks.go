package testutil

import (
	"context"
	"sync"

	"github.com/predadoralfa/Youtube/internal/model"
)

// MockRepository - in-memory имплементация durable store для unit тестов.
// Не требует реального PostgreSQL.
type MockRepository struct {
	mu       sync.RWMutex
	runtimes map[int64]model.RuntimeRow
	sizes    map[int64]model.WorldSize
	speeds   map[int64]float64

	runtimeWrites []model.RuntimeRow
	statsWrites   []model.StatsRow
	loadCalls     int

	failWrites bool
	failLoads  bool
	writeHook  func()
}

// NewMockRepository создаёт пустой MockRepository.
func NewMockRepository() *MockRepository {
	return &MockRepository{
		runtimes: make(map[int64]model.RuntimeRow),
		sizes:    make(map[int64]model.WorldSize),
		speeds:   make(map[int64]float64),
	}
}

// PutRuntime сохраняет строку runtime.
func (m *MockRepository) PutRuntime(row model.RuntimeRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimes[row.UserID] = row
}

// PutWorldSize задаёт геометрию инстанса.
func (m *MockRepository) PutWorldSize(instanceID int64, size model.WorldSize) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes[instanceID] = size
}

// PutSpeed задаёт move_speed игрока.
func (m *MockRepository) PutSpeed(userID int64, speed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speeds[userID] = speed
}

// FailWrites включает/выключает сбой всех записей.
func (m *MockRepository) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// FailLoads включает/выключает сбой всех чтений.
func (m *MockRepository) FailLoads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLoads = fail
}

// OnWrite задаёт хук, вызываемый перед каждой записью вне мьютекса
// (например, чтобы задержать запись в тесте).
func (m *MockRepository) OnWrite(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHook = fn
}

func (m *MockRepository) beforeWrite() {
	m.mu.RLock()
	hook := m.writeHook
	m.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

// LoadRuntimeRow возвращает nil, nil если строки нет.
func (m *MockRepository) LoadRuntimeRow(_ context.Context, userID int64) (*model.RuntimeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	if m.failLoads {
		return nil, ErrInjected
	}
	row, ok := m.runtimes[userID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

// LoadWorldSize возвращает nil, nil если инстанса нет.
func (m *MockRepository) LoadWorldSize(_ context.Context, instanceID int64) (*model.WorldSize, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failLoads {
		return nil, ErrInjected
	}
	size, ok := m.sizes[instanceID]
	if !ok {
		return nil, nil
	}
	return &size, nil
}

// LoadSpeed возвращает nil если stats отсутствуют.
func (m *MockRepository) LoadSpeed(_ context.Context, userID int64) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failLoads {
		return nil, ErrInjected
	}
	speed, ok := m.speeds[userID]
	if !ok {
		return nil, nil
	}
	return &speed, nil
}

// UpdateRuntimeRow записывает строку и запоминает запись.
func (m *MockRepository) UpdateRuntimeRow(_ context.Context, row model.RuntimeRow) error {
	m.beforeWrite()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return ErrInjected
	}
	m.runtimes[row.UserID] = row
	m.runtimeWrites = append(m.runtimeWrites, row)
	return nil
}

// UpdateStatsRow записывает move_speed.
func (m *MockRepository) UpdateStatsRow(_ context.Context, row model.StatsRow) error {
	m.beforeWrite()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return ErrInjected
	}
	m.speeds[row.UserID] = row.MoveSpeed
	m.statsWrites = append(m.statsWrites, row)
	return nil
}

// Runtime возвращает текущую сохранённую строку.
func (m *MockRepository) Runtime(userID int64) (model.RuntimeRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.runtimes[userID]
	return row, ok
}

// RuntimeWrites возвращает копию всех записей runtime.
func (m *MockRepository) RuntimeWrites() []model.RuntimeRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.RuntimeRow(nil), m.runtimeWrites...)
}

// StatsWrites возвращает копию всех записей stats.
func (m *MockRepository) StatsWrites() []model.StatsRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.StatsRow(nil), m.statsWrites...)
}

// LoadCalls возвращает число вызовов LoadRuntimeRow.
func (m *MockRepository) LoadCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadCalls
}

// SeedPlayer - быстрый способ завести игрока в инстансе 1000×1000.
func (m *MockRepository) SeedPlayer(userID, instanceID int64, pos model.Vec3, conn model.ConnectionState) {
	m.PutWorldSize(instanceID, model.WorldSize{SizeX: 1000, SizeZ: 1000})
	m.PutSpeed(userID, 4)
	m.PutRuntime(model.RuntimeRow{
		UserID:          userID,
		InstanceID:      instanceID,
		Pos:             pos,
		ConnectionState: conn,
	})
}
