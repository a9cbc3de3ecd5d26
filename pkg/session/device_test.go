package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_engine/pkg/media"
)

// stubDevice ручка устройства с подсчетом подключений
type stubDevice struct {
	id      string
	formats []media.Format

	mu           sync.Mutex
	connects     int
	disconnects  int
	connectError error
}

func (d *stubDevice) ID() string { return d.id }

func (d *stubDevice) SupportedFormats() []media.Format { return d.formats }

func (d *stubDevice) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectError != nil {
		return d.connectError
	}
	d.connects++
	return nil
}

func (d *stubDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	return nil
}

func (d *stubDevice) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects, d.disconnects
}

// TestDeviceSourceFactory проверяет привязку Connect/Disconnect устройства
// к жизненному циклу тракта захвата: каждое создание тракта подключает
// устройство, закрытие тракта отключает его
func TestDeviceSourceFactory(t *testing.T) {
	dev := &stubDevice{id: "mic-0", formats: []media.Format{testFormat}}
	opusFormat := media.Format{Kind: media.KindAudio, Encoding: "opus",
		PayloadType: 111, ClockRate: 48000, Channels: 2}

	s, err := New(Config{
		SessionID: "device",
		CaptureSource: DeviceSourceFactory(dev, func(media.Device) (media.DataSource, error) {
			return newStubSource("capture", nil, testFormat, opusFormat), nil
		}),
		Format: testFormat,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(media.DirectionSendOnly))
	connects, disconnects := dev.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 0, disconnects)

	// Несовместимый формат пересоздает тракт: устройство переподключается
	require.NoError(t, s.SetFormat(opusFormat))
	connects, disconnects = dev.counts()
	assert.Equal(t, 2, connects, "пересоздание тракта должно переподключить устройство")
	assert.Equal(t, 1, disconnects)

	require.NoError(t, s.Close())
	connects, disconnects = dev.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 2, disconnects, "закрытие сессии должно отключить устройство")
}

// TestDeviceSourceFactoryConnectFailure проверяет отказ подключения:
// фабрика возвращает типизированную ошибку недоступности устройства
func TestDeviceSourceFactoryConnectFailure(t *testing.T) {
	dev := &stubDevice{id: "mic-gone", connectError: errors.New("устройство извлечено")}

	s, err := New(Config{
		SessionID: "device-fail",
		CaptureSource: DeviceSourceFactory(dev, func(media.Device) (media.DataSource, error) {
			t.Fatal("поток не должен открываться без подключения")
			return nil, nil
		}),
		Format: testFormat,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	err = s.Start(media.DirectionSendOnly)
	require.Error(t, err)
	assert.True(t, errors.Is(err, media.ErrCode(media.ErrorCodeDeviceUnavailable)))
	assert.Nil(t, s.Capture())
	_, disconnects := dev.counts()
	assert.Equal(t, 0, disconnects)
}

// TestDeviceSourceFactoryOpenFailure проверяет откат при отказе открытия
// потока: подключенное устройство отключается
func TestDeviceSourceFactoryOpenFailure(t *testing.T) {
	dev := &stubDevice{id: "mic-1", formats: []media.Format{testFormat}}
	factory := DeviceSourceFactory(dev, func(media.Device) (media.DataSource, error) {
		return nil, errors.New("поток занят")
	})

	_, err := factory()
	require.Error(t, err)
	connects, disconnects := dev.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects, "отказ открытия потока должен отключить устройство")

	// Сессия транслирует отказ фабрики как недоступность устройства
	s, err := New(Config{SessionID: "device-open-fail", CaptureSource: factory, Format: testFormat})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	err = s.Start(media.DirectionSendOnly)
	assert.True(t, errors.Is(err, media.ErrCode(media.ErrorCodeDeviceUnavailable)))
}

var _ media.Device = (*stubDevice)(nil)
