package delivery

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/els-fr/livreur/internal/errors"
)

var (
	ErrInvalidTransition = errors.NewStd("invalid status transition")
	ErrInvalidQuantity   = errors.NewStd("item quantity must be >= 0")
	ErrItemNotFound      = errors.NewStd("item index out of range")
	ErrInvalidEmail      = errors.NewStd("driver email is empty")
	ErrEmptyBlob         = errors.NewStd("image data is empty")
)

// Item is one delivered line. Duplicate barcodes are allowed.
type Item struct {
	Barcode string   `json:"barcode"`
	Qty     int      `json:"qty"`
	Temp    *float64 `json:"temp,omitempty"`
}

// Receiver identifies who took the delivery.
type Receiver struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ReceiverPatch updates only the non-nil fields of a Receiver.
type ReceiverPatch struct {
	Name *string `json:"name,omitempty"`
	Role *string `json:"role,omitempty"`
}

// EventInfo is the server-side metadata of an event.
type EventInfo struct {
	Status      string    `json:"status,omitempty"`
	Items       []Item    `json:"items,omitempty"`
	DriverEmail string    `json:"driverEmail,omitempty"`
	Receiver    *Receiver `json:"receiver,omitempty"`
}

// Snapshot is an immutable copy of a session.
type Snapshot struct {
	EventID     string     `json:"eventId"`
	Cmd         string     `json:"cmd"`
	Status      Status     `json:"status"`
	Items       []Item     `json:"items"`
	Receiver    Receiver   `json:"receiver"`
	Signature   string     `json:"signature,omitempty"`
	Photos      []string   `json:"photos"`
	DriverEmail string     `json:"driverEmail"`
	ClientUUID  string     `json:"clientUUID"`
	Seq         int        `json:"seq"`
	OpenedAt    time.Time  `json:"openedAt"`
	ArrivedAt   *time.Time `json:"arrivedAt,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	Synced      bool       `json:"synced"`
}

// Session is the state of the delivery currently open on this device.
// Identifiers are fixed at construction. All methods are safe for concurrent
// use; the outbox reconciles acknowledgments from its own goroutine.
type Session struct {
	eventID    string
	cmd        string
	clientUUID string
	openedAt   time.Time
	now        func() time.Time

	mu          sync.RWMutex
	status      Status
	items       []Item
	receiver    Receiver
	signature   string
	photos      []string
	driverEmail string
	seq         int
	arrivedAt   time.Time
	submittedAt time.Time
	synced      bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithDriverEmail preloads the persisted driver email.
func WithDriverEmail(email string) SessionOption {
	return func(s *Session) { s.driverEmail = NormalizeEmail(email) }
}

// NewSession opens a session for eventID/cmd with a fresh client UUID.
func NewSession(eventID, cmd string, opts ...SessionOption) *Session {
	s := &Session{
		eventID:    eventID,
		cmd:        cmd,
		clientUUID: uuid.NewString(),
		now:        time.Now,
		status:     StatusOpen,
		items:      []Item{},
		photos:     []string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.openedAt = s.now().UTC()
	return s
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(email))
}

func (s *Session) EventID() string    { return s.eventID }
func (s *Session) Cmd() string        { return s.cmd }
func (s *Session) ClientUUID() string { return s.clientUUID }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Transition moves to status to if the whitelist allows it. Entering ARRIVED
// stamps arrivedAt the first time only.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.status
	if !from.CanTransition(to) {
		return errors.New(ErrInvalidTransition).
			Component("delivery").
			Category(errors.CategoryState).
			Context("from", string(from)).
			Context("to", string(to)).
			Context("event_id", s.eventID).
			Build()
	}
	s.status = to
	if to == StatusArrived && s.arrivedAt.IsZero() {
		s.arrivedAt = s.now().UTC()
	}
	return nil
}

// AddItem appends item.
func (s *Session) AddItem(item Item) error {
	if item.Qty < 0 {
		return invalidQty(item)
	}
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	return nil
}

// UpdateItem replaces the item at index.
func (s *Session) UpdateItem(index int, item Item) error {
	if item.Qty < 0 {
		return invalidQty(item)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.items) {
		return errors.New(ErrItemNotFound).
			Component("delivery").
			Category(errors.CategoryNotFound).
			Context("index", index).
			Context("count", len(s.items)).
			Build()
	}
	s.items[index] = item
	return nil
}

func invalidQty(item Item) error {
	return errors.New(ErrInvalidQuantity).
		Component("delivery").
		Category(errors.CategoryValidation).
		Context("barcode", item.Barcode).
		Context("qty", item.Qty).
		Build()
}

// Items returns a copy of the item list.
func (s *Session) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItems(s.items)
}

// UpdateReceiver merges patch into the receiver.
func (s *Session) UpdateReceiver(patch ReceiverPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.Name != nil {
		s.receiver.Name = *patch.Name
	}
	if patch.Role != nil {
		s.receiver.Role = *patch.Role
	}
}

// SetSignature replaces the signature image.
func (s *Session) SetSignature(dataURL string) error {
	if dataURL == "" {
		return errors.New(ErrEmptyBlob).Component("delivery").Category(errors.CategoryValidation).Build()
	}
	s.mu.Lock()
	s.signature = dataURL
	s.mu.Unlock()
	return nil
}

// ClearSignature removes the signature.
func (s *Session) ClearSignature() {
	s.mu.Lock()
	s.signature = ""
	s.mu.Unlock()
}

// AddPhoto appends a photo.
func (s *Session) AddPhoto(dataURL string) error {
	if dataURL == "" {
		return errors.New(ErrEmptyBlob).Component("delivery").Category(errors.CategoryValidation).Build()
	}
	s.mu.Lock()
	s.photos = append(s.photos, dataURL)
	s.mu.Unlock()
	return nil
}

// SetDriverEmail stores the normalized driver email.
func (s *Session) SetDriverEmail(email string) error {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return errors.New(ErrInvalidEmail).Component("delivery").Category(errors.CategoryValidation).Build()
	}
	s.mu.Lock()
	s.driverEmail = normalized
	s.mu.Unlock()
	return nil
}

// DriverEmail returns the driver email, empty if unknown.
func (s *Session) DriverEmail() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driverEmail
}

// NextSeq increments the submission sequence and returns the new value.
// The new payload is not acknowledged yet, so synced is cleared.
func (s *Session) NextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.synced = false
	return s.seq
}

// Seq returns the last sequence number handed out.
func (s *Session) Seq() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// MarkSynced records a server acknowledgment for the payload sent with seq.
// submittedAt always takes the server timestamp; synced is only set when seq
// is the latest payload, since an older acknowledgment says nothing about
// changes made since.
func (s *Session) MarkSynced(seq int, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.IsZero() {
		ts = s.now()
	}
	s.submittedAt = ts.UTC()
	if seq == s.seq {
		s.synced = true
	}
}

// Synced reports whether the latest payload was acknowledged.
func (s *Session) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// ApplyEventInfo merges server metadata into the session. The server is
// authoritative for status, so its value bypasses the transition whitelist;
// an unknown status is ignored and reported. Negative quantities are clamped
// to zero and reported.
func (s *Session) ApplyEventInfo(info EventInfo) error {
	var statusErr error
	var status Status
	if info.Status != "" {
		status, statusErr = ParseStatus(info.Status)
	}

	var items []Item
	var qtyErrs []error
	if info.Items != nil {
		items = cloneItems(info.Items)
		for i := range items {
			if items[i].Qty < 0 {
				qtyErrs = append(qtyErrs, invalidQty(items[i]))
				items[i].Qty = 0
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if statusErr == nil && status != "" {
		s.status = status
	}
	if info.Items != nil {
		s.items = items
	}
	if email := NormalizeEmail(info.DriverEmail); email != "" {
		s.driverEmail = email
	}
	if info.Receiver != nil {
		s.receiver = *info.Receiver
	}
	return errors.Join(append(qtyErrs, statusErr)...)
}

// cloneItems copies items including their temperature values.
func cloneItems(items []Item) []Item {
	out := slices.Clone(items)
	for i := range out {
		if t := out[i].Temp; t != nil {
			v := *t
			out[i].Temp = &v
		}
	}
	return out
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		EventID:     s.eventID,
		Cmd:         s.cmd,
		Status:      s.status,
		Items:       cloneItems(s.items),
		Receiver:    s.receiver,
		Signature:   s.signature,
		Photos:      slices.Clone(s.photos),
		DriverEmail: s.driverEmail,
		ClientUUID:  s.clientUUID,
		Seq:         s.seq,
		OpenedAt:    s.openedAt,
		Synced:      s.synced,
	}
	if !s.arrivedAt.IsZero() {
		t := s.arrivedAt
		snap.ArrivedAt = &t
	}
	if !s.submittedAt.IsZero() {
		t := s.submittedAt
		snap.SubmittedAt = &t
	}
	return snap
}
