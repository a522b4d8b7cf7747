package database

import (
	"github.com/stretchr/testify/mock"
)

type MockGuildhallRepository struct {
	mock.Mock
}

func (m *MockGuildhallRepository) ListChannels() ([]Channel, error) {
	args := m.Called()
	return args.Get(0).([]Channel), args.Error(1)
}
func (m *MockGuildhallRepository) GetChannelBySlug(slug string) (Channel, error) {
	args := m.Called(slug)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockGuildhallRepository) GetChannelById(id string) (Channel, error) {
	args := m.Called(id)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockGuildhallRepository) CreateChannel(params CreateChannelParams) (Channel, error) {
	args := m.Called(params)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockGuildhallRepository) GetMessages(channelId string, limit int) ([]Message, error) {
	args := m.Called(channelId, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockGuildhallRepository) GetMessage(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGuildhallRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGuildhallRepository) UpdateMessage(params UpdateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGuildhallRepository) GetProfile(id string) (Profile, error) {
	args := m.Called(id)
	return args.Get(0).(Profile), args.Error(1)
}
