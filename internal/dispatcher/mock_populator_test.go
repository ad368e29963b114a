package dispatcher

import (
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/vmmcore/vmm/internal/descriptor"
)

// MockPopulator is a mock of the Populator interface, in the shape mockgen
// generates for it.
type MockPopulator struct {
	ctrl     *gomock.Controller
	recorder *MockPopulatorMockRecorder
}

// MockPopulatorMockRecorder is the mock recorder for MockPopulator.
type MockPopulatorMockRecorder struct {
	mock *MockPopulator
}

// NewMockPopulator creates a new mock instance.
func NewMockPopulator(ctrl *gomock.Controller) *MockPopulator {
	mock := &MockPopulator{ctrl: ctrl}
	mock.recorder = &MockPopulatorMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockPopulator) EXPECT() *MockPopulatorMockRecorder {
	return m.recorder
}

// Populate mocks base method.
func (m *MockPopulator) Populate(d *descriptor.Descriptor, pageIndex int64) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Populate", d, pageIndex)
	ret0, _ := ret[0].(error)
	return ret0
}

// Populate indicates an expected call of Populate.
func (mr *MockPopulatorMockRecorder) Populate(d, pageIndex interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Populate", reflect.TypeOf((*MockPopulator)(nil).Populate), d, pageIndex)
}
