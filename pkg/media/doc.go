// Package media предоставляет кодек-независимые строительные блоки
// аудио-потока: фабрику кодеков (Codec/Encoder/Decoder), адаптивный
// jitter buffer и DTMF-сигнализацию согласно RFC 4733.
//
// Пакет не владеет транспортом и не управляет сессией целиком — это
// делает audioProvider в pkg/ua, читая и записывая через pkg/sockheap.
// Здесь только чистые, переиспользуемые куски: JitterBuffer компенсирует
// сетевой джиттер и переупорядочивание пакетов, DTMFSender/DTMFReceiver
// кодируют и декодируют telephone-event пакеты, а Codec/Encoder/Decoder
// дают фабрику G.711 (PCMU/PCMA) кодеков без привязки к конкретной
// реализации у вызывающего кода.
//
// # Ссылки
//
//   - RFC 3550 - RTP: A Transport Protocol for Real-Time Applications
//   - RFC 3551 - RTP Profile for Audio and Video Conferences
//   - RFC 4733 - RTP Payload for DTMF Digits, Telephony Tones and Signals
package media
