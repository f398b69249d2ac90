package testutils

import (
	"github.com/srg/spotar/internal/spota"
	"github.com/stretchr/testify/mock"
)

// MockMessenger implements spota.Messenger.
type MockMessenger struct {
	mock.Mock
}

// NewMockMessenger returns a messenger that accepts any message.
func NewMockMessenger() *MockMessenger {
	m := &MockMessenger{}
	m.On("Send", mock.Anything, mock.Anything, mock.Anything).Return()
	return m
}

func (m *MockMessenger) Send(dest, src spota.TaskID, msg spota.Message) {
	m.Called(dest, src, msg)
}

// Sent returns the messages sent so far, in order.
func (m *MockMessenger) Sent() []spota.Message {
	var out []spota.Message
	for _, c := range m.Calls {
		if c.Method == "Send" {
			out = append(out, c.Arguments.Get(2).(spota.Message))
		}
	}
	return out
}

// Reset forgets recorded calls but keeps expectations.
func (m *MockMessenger) Reset() {
	m.Calls = nil
}

// WriteResponse is a recorded Bearer.SendWriteResponse call.
type WriteResponse struct {
	Index  spota.ConnIndex
	Handle spota.Handle
	Status spota.Status
}

// Notification is a recorded Bearer.SendNotification call.
type Notification struct {
	Index  spota.ConnIndex
	Handle spota.Handle
	Value  []byte
}

// MockBearer implements spota.Bearer.
type MockBearer struct {
	mock.Mock
}

// NewMockBearer returns a bearer that accepts any call.
func NewMockBearer() *MockBearer {
	m := &MockBearer{}
	m.On("SendWriteResponse", mock.Anything, mock.Anything, mock.Anything).Return()
	m.On("SendNotification", mock.Anything, mock.Anything, mock.Anything).Return()
	return m
}

func (m *MockBearer) SendWriteResponse(idx spota.ConnIndex, h spota.Handle, status spota.Status) {
	m.Called(idx, h, status)
}

func (m *MockBearer) SendNotification(idx spota.ConnIndex, h spota.Handle, value []byte) {
	m.Called(idx, h, append([]byte(nil), value...))
}

// Responses returns the write responses sent so far.
func (m *MockBearer) Responses() []WriteResponse {
	var out []WriteResponse
	for _, c := range m.Calls {
		if c.Method == "SendWriteResponse" {
			out = append(out, WriteResponse{
				Index:  c.Arguments.Get(0).(spota.ConnIndex),
				Handle: c.Arguments.Get(1).(spota.Handle),
				Status: c.Arguments.Get(2).(spota.Status),
			})
		}
	}
	return out
}

// Notifications returns the notifications sent so far.
func (m *MockBearer) Notifications() []Notification {
	var out []Notification
	for _, c := range m.Calls {
		if c.Method == "SendNotification" {
			out = append(out, Notification{
				Index:  c.Arguments.Get(0).(spota.ConnIndex),
				Handle: c.Arguments.Get(1).(spota.Handle),
				Value:  c.Arguments.Get(2).([]byte),
			})
		}
	}
	return out
}

// Reset forgets recorded calls but keeps expectations.
func (m *MockBearer) Reset() {
	m.Calls = nil
}
