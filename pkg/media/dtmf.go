package media

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// DTMFDigit представляет DTMF цифру согласно RFC 4733
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

func (d DTMFDigit) String() string {
	switch d {
	case DTMF0:
		return "0"
	case DTMF1:
		return "1"
	case DTMF2:
		return "2"
	case DTMF3:
		return "3"
	case DTMF4:
		return "4"
	case DTMF5:
		return "5"
	case DTMF6:
		return "6"
	case DTMF7:
		return "7"
	case DTMF8:
		return "8"
	case DTMF9:
		return "9"
	case DTMFStar:
		return "*"
	case DTMFPound:
		return "#"
	case DTMFA:
		return "A"
	case DTMFB:
		return "B"
	case DTMFC:
		return "C"
	case DTMFD:
		return "D"
	default:
		return "?"
	}
}

// DTMFEvent представляет DTMF событие
type DTMFEvent struct {
	Digit     DTMFDigit     // DTMF цифра
	Duration  time.Duration // Длительность нажатия
	Volume    int8          // Уровень громкости (от 0 до -63 dBm)
	Timestamp uint32        // RTP timestamp события
}

// DTMFPayload структура DTMF payload согласно RFC 4733
type DTMFPayload struct {
	Event    uint8  // DTMF digit (0-15)
	EndFlag  bool   // End of event flag
	Reserved bool   // Reserved bit (должен быть 0)
	Volume   uint8  // Volume level (0-63, представляет -dBm)
	Duration uint16 // Duration in timestamp units
}

// telephoneEventClockRate is the RFC 4733 duration field's unit: samples at
// the telephone-event clock rate, which this module advertises at 8000 Hz
// regardless of the negotiated audio codec's rate.
const telephoneEventClockRate = 8000

// DTMFSender emits one RFC 4733 telephone-event at a time, driven tick by
// tick from the send path's packet-time boundary (§4.2: "the DTMF session
// emits events at packet-time boundaries: one packet per tick with
// duration = elapsed ms, then three terminating packets with end-of-event
// bit"). A sender holds at most one event in flight; StartDigit begins one,
// Tick advances it, EndDigit closes it out.
type DTMFSender struct {
	payloadType uint8
	ssrc        uint32
	seqNum      uint16

	mu      sync.Mutex
	active  bool
	digit   DTMFDigit
	volume  uint8
	ts      uint32 // RTP timestamp stamped on every packet of the in-progress event
	elapsed time.Duration
	ticks   int
}

// NewDTMFSender создает новый DTMF sender
func NewDTMFSender(payloadType uint8) *DTMFSender {
	return &DTMFSender{
		payloadType: payloadType,
	}
}

// SetSSRC устанавливает SSRC для DTMF пакетов
func (ds *DTMFSender) SetSSRC(ssrc uint32) {
	ds.ssrc = ssrc
}

// StartDigit begins a new telephone-event. ts is the RTP timestamp every
// packet of the event carries — RFC 4733 §2.5.1.3 requires it to stay fixed
// for the whole event, unlike ordinary audio packets.
func (ds *DTMFSender) StartDigit(digit DTMFDigit, volume int8, ts uint32) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.active = true
	ds.digit = digit
	ds.volume = dtmfVolume(volume)
	ds.ts = ts
	ds.elapsed = 0
	ds.ticks = 0
}

// Active reports whether a digit is currently in flight.
func (ds *DTMFSender) Active() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.active
}

// Tick advances the in-progress event by one packet-time tick and returns
// its event packet, with duration = total elapsed time since StartDigit and
// marker set only on the event's very first packet.
func (ds *DTMFSender) Tick(tick time.Duration) (*rtp.Packet, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return nil, fmt.Errorf("media: DTMF Tick called with no event in progress")
	}
	ds.elapsed += tick
	ds.ticks++
	payload := DTMFPayload{
		Event:    uint8(ds.digit),
		Volume:   ds.volume,
		Duration: ds.durationSamplesLocked(),
	}
	pkt := ds.buildPacketLocked(payload, ds.ticks == 1)
	return pkt, nil
}

// EndDigit closes out the in-progress event and returns the three
// terminating packets RFC 4733 §2.5.4 requires, each carrying the
// end-of-event bit and the event's final duration.
func (ds *DTMFSender) EndDigit() ([]*rtp.Packet, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return nil, fmt.Errorf("media: EndDigit called with no event in progress")
	}
	payload := DTMFPayload{
		Event:    uint8(ds.digit),
		EndFlag:  true,
		Volume:   ds.volume,
		Duration: ds.durationSamplesLocked(),
	}
	packets := make([]*rtp.Packet, 0, 3)
	for i := 0; i < 3; i++ {
		packets = append(packets, ds.buildPacketLocked(payload, false))
	}
	ds.active = false
	return packets, nil
}

func (ds *DTMFSender) durationSamplesLocked() uint16 {
	samples := ds.elapsed.Seconds() * telephoneEventClockRate
	if samples > 0xFFFF {
		return 0xFFFF
	}
	return uint16(samples)
}

func (ds *DTMFSender) buildPacketLocked(payload DTMFPayload, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    ds.payloadType,
			SequenceNumber: ds.seqNum,
			Timestamp:      ds.ts,
			SSRC:           ds.ssrc,
		},
		Payload: ds.serializePayload(payload),
	}
	ds.seqNum++
	return pkt
}

// dtmfVolume converts a -dBm level (0 to -63) into RFC 4733's 0-63 volume
// field.
func dtmfVolume(dBm int8) uint8 {
	if dBm >= 0 {
		return 0
	}
	v := uint8(-dBm)
	if v > 63 {
		v = 63
	}
	return v
}

// serializePayload сериализует DTMF payload согласно RFC 4733
func (ds *DTMFSender) serializePayload(payload DTMFPayload) []byte {
	data := make([]byte, 4)

	// Первый байт: Event (4 бита) + E|R|Volume (4 бита)
	data[0] = payload.Event & 0x0F

	// Второй байт: E|R|Volume
	if payload.EndFlag {
		data[1] |= 0x80 // Устанавливаем End flag
	}
	if payload.Reserved {
		data[1] |= 0x40 // Устанавливаем Reserved bit
	}
	data[1] |= payload.Volume & 0x3F // 6 бит для Volume

	// Третий и четвертый байты: Duration (16 бит, big-endian)
	data[2] = byte(payload.Duration >> 8)
	data[3] = byte(payload.Duration & 0xFF)

	return data
}

// DTMFReceiver принимает DTMF события
type DTMFReceiver struct {
	payloadType    uint8
	onDTMFReceived func(DTMFEvent)
	lastEvent      *DTMFEvent
	eventActive    bool
}

// NewDTMFReceiver создает новый DTMF receiver
func NewDTMFReceiver(payloadType uint8) *DTMFReceiver {
	return &DTMFReceiver{
		payloadType: payloadType,
	}
}

// SetCallback устанавливает callback для обработки DTMF событий по одной руне
// Callback вызывается немедленно при получении DTMF символа (не ждет окончания события)
func (dr *DTMFReceiver) SetCallback(callback func(DTMFEvent)) {
	dr.onDTMFReceived = callback
}

// ProcessPacket обрабатывает входящий RTP пакет на предмет DTMF
func (dr *DTMFReceiver) ProcessPacket(packet *rtp.Packet) (bool, error) {
	// Проверяем payload type
	if packet.PayloadType != dr.payloadType {
		return false, nil // Не DTMF пакет
	}

	if len(packet.Payload) < 4 {
		return false, fmt.Errorf("некорректный размер DTMF payload: %d", len(packet.Payload))
	}

	// Десериализуем payload
	payload, err := dr.deserializePayload(packet.Payload)
	if err != nil {
		return false, fmt.Errorf("ошибка десериализации DTMF payload: %w", err)
	}

	// Создаем DTMF событие
	event := DTMFEvent{
		Digit:     DTMFDigit(payload.Event),
		Duration:  time.Duration(payload.Duration) * time.Second / 8000, // Конвертируем из RTP timestamp
		Volume:    -int8(payload.Volume),                                // Конвертируем обратно в -dBm
		Timestamp: packet.Timestamp,
	}

	// Обрабатываем событие
	if payload.EndFlag {
		// Конец события - завершаем обработку
		if dr.eventActive && dr.lastEvent != nil {
			dr.eventActive = false
			dr.lastEvent = nil
		}
	} else {
		// Начало или продолжение события
		if !dr.eventActive || dr.lastEvent == nil || dr.lastEvent.Digit != event.Digit {
			// Новое событие - СРАЗУ вызываем callback по одной руне
			dr.lastEvent = &event
			dr.eventActive = true

			// Вызываем callback немедленно при получении DTMF символа
			if dr.onDTMFReceived != nil {
				dr.onDTMFReceived(event)
			}
		}
		// Для продолжающихся событий просто обновляем lastEvent без повторного callback
	}

	return true, nil
}

// deserializePayload десериализует DTMF payload согласно RFC 4733
func (dr *DTMFReceiver) deserializePayload(data []byte) (DTMFPayload, error) {
	if len(data) < 4 {
		return DTMFPayload{}, fmt.Errorf("недостаточно данных для DTMF payload")
	}

	payload := DTMFPayload{
		Event:    data[0] & 0x0F,                       // Младшие 4 бита первого байта
		EndFlag:  (data[1] & 0x80) != 0,                // Старший бит второго байта
		Reserved: (data[1] & 0x40) != 0,                // Второй бит второго байта
		Volume:   data[1] & 0x3F,                       // Младшие 6 бит второго байта
		Duration: uint16(data[2])<<8 | uint16(data[3]), // Третий и четвертый байты
	}

	return payload, nil
}

// IsValidDTMFDigit проверяет корректность DTMF цифры
func IsValidDTMFDigit(digit uint8) bool {
	return digit <= 15
}

// ParseDTMFString преобразует строку в последовательность DTMF цифр
func ParseDTMFString(s string) ([]DTMFDigit, error) {
	var digits []DTMFDigit

	for _, r := range s {
		var digit DTMFDigit
		var valid bool

		switch r {
		case '0':
			digit, valid = DTMF0, true
		case '1':
			digit, valid = DTMF1, true
		case '2':
			digit, valid = DTMF2, true
		case '3':
			digit, valid = DTMF3, true
		case '4':
			digit, valid = DTMF4, true
		case '5':
			digit, valid = DTMF5, true
		case '6':
			digit, valid = DTMF6, true
		case '7':
			digit, valid = DTMF7, true
		case '8':
			digit, valid = DTMF8, true
		case '9':
			digit, valid = DTMF9, true
		case '*':
			digit, valid = DTMFStar, true
		case '#':
			digit, valid = DTMFPound, true
		case 'A', 'a':
			digit, valid = DTMFA, true
		case 'B', 'b':
			digit, valid = DTMFB, true
		case 'C', 'c':
			digit, valid = DTMFC, true
		case 'D', 'd':
			digit, valid = DTMFD, true
		default:
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}

		if valid {
			digits = append(digits, digit)
		}
	}

	return digits, nil
}

// dtmfFrequencies is the DTMF keypad's dual-tone (low, high) frequency pair
// per ITU-T Q.23, used by DTMFToneGenerator for inband synthesis.
var dtmfFrequencies = map[DTMFDigit][2]float64{
	DTMF1: {697, 1209}, DTMF2: {697, 1336}, DTMF3: {697, 1477},
	DTMF4: {770, 1209}, DTMF5: {770, 1336}, DTMF6: {770, 1477},
	DTMF7: {852, 1209}, DTMF8: {852, 1336}, DTMF9: {852, 1477},
	DTMFStar: {941, 1209}, DTMF0: {941, 1336}, DTMFPound: {941, 1477},
	DTMFA: {697, 1633}, DTMFB: {770, 1633}, DTMFC: {852, 1633}, DTMFD: {941, 1633},
}

// toneJob is one queued inband digit: the digit to synthesize and how many
// samples of it remain to be produced.
type toneJob struct {
	digit       DTMFDigit
	samplesLeft int
}

// DTMFToneGenerator synthesizes inband DTMF audio as a dual-tone sine pair,
// queued digit by digit (§2 "DTMF engine ... inband tone synthesizer with
// start/stop/queue model"). The send path replaces resampled audio with its
// output while a tone is in progress (§4.2 step 5).
type DTMFToneGenerator struct {
	rate int

	mu     sync.Mutex
	queue  []toneJob
	active *toneJob
	phase1 float64
	phase2 float64
}

// NewDTMFToneGenerator builds a generator producing samples at sampleRate.
func NewDTMFToneGenerator(sampleRate int) *DTMFToneGenerator {
	return &DTMFToneGenerator{rate: sampleRate}
}

// Queue enqueues duration d of digit's inband tone, producing ⌈d·rate/1000⌉
// samples total (§8's inband queuing law).
func (g *DTMFToneGenerator) Queue(digit DTMFDigit, d time.Duration) {
	samples := int(math.Ceil(d.Seconds() * float64(g.rate)))
	if samples <= 0 {
		return
	}
	g.mu.Lock()
	g.queue = append(g.queue, toneJob{digit: digit, samplesLeft: samples})
	g.mu.Unlock()
}

// Active reports whether a tone is currently playing or queued.
func (g *DTMFToneGenerator) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active != nil || len(g.queue) > 0
}

// Stop discards the queue and any tone currently in progress.
func (g *DTMFToneGenerator) Stop() {
	g.mu.Lock()
	g.active = nil
	g.queue = nil
	g.mu.Unlock()
}

// Fill synthesizes up to len(dst) samples of inband DTMF tone into dst,
// advancing across queued digits as each one completes. It returns the
// number of samples actually written, fewer than len(dst) once the queue
// drains — the caller falls back to real audio for the remainder.
func (g *DTMFToneGenerator) Fill(dst []int16) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for n < len(dst) {
		if g.active == nil {
			if len(g.queue) == 0 {
				break
			}
			job := g.queue[0]
			g.queue = g.queue[1:]
			g.active = &job
			g.phase1, g.phase2 = 0, 0
		}
		freqs := dtmfFrequencies[g.active.digit]
		for n < len(dst) && g.active.samplesLeft > 0 {
			sample := 0.5 * (math.Sin(g.phase1) + math.Sin(g.phase2))
			dst[n] = int16(sample * 8192)
			g.phase1 += 2 * math.Pi * freqs[0] / float64(g.rate)
			g.phase2 += 2 * math.Pi * freqs[1] / float64(g.rate)
			g.active.samplesLeft--
			n++
		}
		if g.active.samplesLeft <= 0 {
			g.active = nil
		}
	}
	return n
}
