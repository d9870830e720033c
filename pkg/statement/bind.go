package statement

import (
	"fmt"
	"log"
	"strconv"
)

// param is one bind slot. Everything but blobs is stored as text the way the
// server wire protocol carries it; binary slots keep their bytes.
type param struct {
	set    bool
	null   bool
	binary bool
	data   []byte
}

// BindNull sets parameter idx to NULL.
func (s *Stmt) BindNull(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.BindNull(idx)
	}
	p, err := s.bindSlot(idx)
	if err != nil {
		return err
	}
	*p = param{set: true, null: true}
	return nil
}

// BindInt64 binds an integer parameter.
func (s *Stmt) BindInt64(idx int, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.BindInt64(idx, v)
	}
	p, err := s.bindSlot(idx)
	if err != nil {
		return err
	}
	*p = param{set: true, data: strconv.AppendInt(nil, v, 10)}
	return nil
}

// BindFloat64 binds a floating point parameter.
func (s *Stmt) BindFloat64(idx int, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.BindFloat64(idx, v)
	}
	p, err := s.bindSlot(idx)
	if err != nil {
		return err
	}
	*p = param{set: true, data: []byte(strconv.FormatFloat(v, 'f', -1, 64))}
	return nil
}

// BindText binds a text parameter, copying the bytes.
func (s *Stmt) BindText(idx int, v []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.BindText(idx, v)
	}
	p, err := s.bindSlot(idx)
	if err != nil {
		return err
	}
	*p = param{set: true, data: clampParam(v)}
	return nil
}

// BindBlob binds a binary parameter, copying the bytes. Blobs travel to the
// server in binary form, never as escaped text.
func (s *Stmt) BindBlob(idx int, v []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.BindBlob(idx, v)
	}
	p, err := s.bindSlot(idx)
	if err != nil {
		return err
	}
	*p = param{set: true, binary: true, data: clampParam(v)}
	return nil
}

// BindZeroBlob binds a blob of n zero bytes.
func (s *Stmt) BindZeroBlob(idx, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.BindBlob(idx, make([]byte, n))
	}
	p, err := s.bindSlot(idx)
	if err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}
	if n > MaxParamBytes {
		log.Printf("[INFO] bind value %d bytes truncated to %d", n, MaxParamBytes)
		n = MaxParamBytes
	}
	*p = param{set: true, binary: true, data: make([]byte, n)}
	return nil
}

// ClearBindings resets every parameter to unset.
func (s *Stmt) ClearBindings() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("clear bindings on finalized statement: %w", ErrMisuse)
	}
	if s.local != nil {
		return s.local.ClearBindings()
	}
	for i := range s.params {
		s.params[i] = param{}
	}
	return nil
}

// bindSlot validates the 1-based index and returns the slot to fill.
func (s *Stmt) bindSlot(idx int) (*param, error) {
	if s.finalized {
		return nil, fmt.Errorf("bind on finalized statement: %w", ErrMisuse)
	}
	if idx < 1 || idx > s.tr.ParamCount {
		return nil, fmt.Errorf("bind index %d of %d: %w", idx, s.tr.ParamCount, ErrRange)
	}
	return &s.params[idx-1], nil
}

// clampParam copies the value, cut at MaxParamBytes. Oversized binds are a
// sign of runaway host data, worth a line in the log.
func clampParam(v []byte) []byte {
	if len(v) > MaxParamBytes {
		log.Printf("[INFO] bind value %d bytes truncated to %d", len(v), MaxParamBytes)
		v = v[:MaxParamBytes]
	}
	return append([]byte(nil), v...)
}
