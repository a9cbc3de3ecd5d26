package session

import (
	"github.com/arzzra/media_engine/pkg/media"
)

// DeviceOpener открывает поток кадров на подключенном устройстве.
// Вызывается после успешного Connect; выданный источник живет до
// закрытия тракта.
type DeviceOpener func(media.Device) (media.DataSource, error)

// DeviceSourceFactory строит SourceFactory поверх ручки устройства.
// Каждое создание тракта захвата подключает устройство и открывает на нем
// поток; закрытие тракта закрывает поток и отключает устройство. Так
// Connect и Disconnect привязаны к жизненному циклу тракта: пересоздание
// тракта (смена формата, преждевременное закрытие) переподключает
// устройство, а не держит его занятым.
func DeviceSourceFactory(dev media.Device, open DeviceOpener) SourceFactory {
	return func() (media.DataSource, error) {
		if err := dev.Connect(); err != nil {
			return nil, &media.MediaError{
				Code:    media.ErrorCodeDeviceUnavailable,
				Message: "подключение устройства " + dev.ID(),
				Wrapped: err,
			}
		}
		src, err := open(dev)
		if err != nil {
			_ = dev.Disconnect()
			return nil, err
		}
		return &deviceSource{DataSource: src, dev: dev}, nil
	}
}

// deviceSource связывает поток кадров с ручкой устройства:
// Close потока отключает устройство
type deviceSource struct {
	media.DataSource
	dev media.Device
}

func (s *deviceSource) Close() error {
	err := s.DataSource.Close()
	if derr := s.dev.Disconnect(); derr != nil && err == nil {
		err = derr
	}
	return err
}
