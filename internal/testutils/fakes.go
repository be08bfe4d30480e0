package testutils

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/koopa0/system-design/14-checkers-matchmaking/internal"
)

// Delivery 一次投遞紀錄
type Delivery struct {
	ConnectionID string
	Body         []byte
}

// RecordingDeliverer 記錄所有投遞的假投遞器
//
// MarkGone 的連線回報 internal.ErrGone，FailWith 的連線回報指定錯誤，
// 兩者都不會被記錄為已送達。
type RecordingDeliverer struct {
	mu        sync.Mutex
	delivered []Delivery
	attempts  map[string]int
	gone      map[string]bool
	failures  map[string]error
}

// NewRecordingDeliverer 創建假投遞器
func NewRecordingDeliverer() *RecordingDeliverer {
	return &RecordingDeliverer{
		attempts: make(map[string]int),
		gone:     make(map[string]bool),
		failures: make(map[string]error),
	}
}

// Deliver 實現 internal.Deliverer 介面
func (d *RecordingDeliverer) Deliver(ctx context.Context, connectionID string, msg []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts[connectionID]++
	if d.gone[connectionID] {
		return internal.ErrGone
	}
	if err, ok := d.failures[connectionID]; ok {
		return err
	}

	body := make([]byte, len(msg))
	copy(body, msg)
	d.delivered = append(d.delivered, Delivery{ConnectionID: connectionID, Body: body})
	return nil
}

// MarkGone 之後對這些連線的投遞回報 gone
func (d *RecordingDeliverer) MarkGone(connectionIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range connectionIDs {
		d.gone[id] = true
	}
}

// FailWith 之後對該連線的投遞回報 err
func (d *RecordingDeliverer) FailWith(connectionID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[connectionID] = err
}

// Attempts 對該連線的投遞嘗試次數（含失敗）
func (d *RecordingDeliverer) Attempts(connectionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[connectionID]
}

// Messages 已送達該連線的原始訊息
func (d *RecordingDeliverer) Messages(connectionID string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out [][]byte
	for _, dl := range d.delivered {
		if dl.ConnectionID == connectionID {
			out = append(out, dl.Body)
		}
	}
	return out
}

// Types 已送達該連線的訊息類型，依送達順序
func (d *RecordingDeliverer) Types(connectionID string) []string {
	var types []string
	for _, body := range d.Messages(connectionID) {
		var env internal.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			types = append(types, "")
			continue
		}
		types = append(types, env.Type)
	}
	return types
}

// Last 已送達該連線、指定類型的最後一則訊息，沒有則回傳 nil
func (d *RecordingDeliverer) Last(connectionID, msgType string) *internal.Envelope {
	msgs := d.Messages(connectionID)
	for i := len(msgs) - 1; i >= 0; i-- {
		var env internal.Envelope
		if err := json.Unmarshal(msgs[i], &env); err != nil {
			continue
		}
		if env.Type == msgType {
			return &env
		}
	}
	return nil
}

// Reset 清除所有紀錄（gone 與失敗設定保留）
func (d *RecordingDeliverer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = nil
	d.attempts = make(map[string]int)
}
