// Package media определяет общую модель медиа слоя движка реального времени.
//
// Пакет предоставляет типы и интерфейсы, разделяемые между pipeline, session
// и mixer: форматы медиа данных, решетку направлений потока, согласование
// форматов, события жизненного цикла и интерфейсы внешних коллабораторов
// (устройства, трансформы, источники и приемники данных).
//
// # Основные компоненты
//
//   - Format - описание формата аудио/видео потока с проверками совместимости
//   - Direction - решетка направлений sendrecv/sendonly/recvonly/inactive
//   - NegotiateFormat - выбор конкретного формата из списка поддерживаемых
//   - MediaError - типизированные ошибки медиа слоя с контекстом
//   - LifecycleEvent - события переходов состояний pipeline
//   - DataSource/DataSink/Transform/Device - контракты внешних слоев
//
// Пакет не содержит состояния и не владеет горутинами: все типы являются
// значениями или чистыми функциями, thread-safety обеспечивается владельцами
// (pipeline, session, mixer).
package media
