package uds_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bimmercode/ecucoder/transport"
	"github.com/bimmercode/ecucoder/uds"
)

// scriptedTransport returns canned replies and records requests.
type scriptedTransport struct {
	replies  [][]byte
	err      error
	requests [][]byte
	targets  []uint16
}

func (s *scriptedTransport) Connect(context.Context) error { return nil }
func (s *scriptedTransport) Disconnect()                   {}

func (s *scriptedTransport) RoundTrip(_ context.Context, target uint16, req []byte, _ time.Duration) ([]byte, error) {
	s.targets = append(s.targets, target)
	s.requests = append(s.requests, append([]byte(nil), req...))
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return nil, transport.ErrTimeout
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func newClient(tp transport.Transport) *uds.Client {
	return uds.New(tp, 0x0063, uds.Options{}, nil)
}

func TestRequestClassification(t *testing.T) {
	tests := []struct {
		name    string
		reply   []byte
		want    []byte
		wantErr error
	}{
		{
			name:  "positive response stripped",
			reply: []byte{0x62, 0xF1, 0x90, 0x41},
			want:  []byte{0xF1, 0x90, 0x41},
		},
		{
			name:    "empty reply",
			reply:   []byte{},
			wantErr: uds.ErrEmptyResponse,
		},
		{
			name:    "negative response",
			reply:   []byte{0x7F, 0x22, 0x31},
			wantErr: &uds.NegativeResponseError{Service: 0x22, Code: 0x31},
		},
		{
			name:    "truncated negative response",
			reply:   []byte{0x7F},
			wantErr: &uds.NegativeResponseError{},
		},
		{
			name:    "wrong service in reply",
			reply:   []byte{0x50, 0x03},
			wantErr: &uds.InvalidResponseError{Service: 0x22, Got: 0x50},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := &scriptedTransport{replies: [][]byte{tt.reply}}
			got, err := newClient(tp).Request(context.Background(), 0x22, []byte{0xF1, 0x90}, 0)
			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("Request() err = nil, want %v", tt.wantErr)
				}
				var nerr *uds.NegativeResponseError
				var ierr *uds.InvalidResponseError
				switch want := tt.wantErr.(type) {
				case *uds.NegativeResponseError:
					if !errors.As(err, &nerr) || *nerr != *want {
						t.Fatalf("Request() err = %v, want %v", err, want)
					}
				case *uds.InvalidResponseError:
					if !errors.As(err, &ierr) || *ierr != *want {
						t.Fatalf("Request() err = %v, want %v", err, want)
					}
				default:
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("Request() err = %v, want %v", err, tt.wantErr)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("Request() err = %v", err)
			}
			if string(got) != string(tt.want) {
				t.Fatalf("Request() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestRequestFraming(t *testing.T) {
	tp := &scriptedTransport{replies: [][]byte{{0x62, 0x12, 0x34}}}
	if _, err := newClient(tp).Request(context.Background(), 0x22, []byte{0x12, 0x34}, 0); err != nil {
		t.Fatalf("Request() err = %v", err)
	}
	if len(tp.requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(tp.requests))
	}
	if want := []byte{0x22, 0x12, 0x34}; string(tp.requests[0]) != string(want) {
		t.Fatalf("request = % X, want % X", tp.requests[0], want)
	}
	if tp.targets[0] != 0x0063 {
		t.Fatalf("target = 0x%04X, want 0x0063", tp.targets[0])
	}
}

func TestRequestNoRetry(t *testing.T) {
	tp := &scriptedTransport{err: transport.ErrTimeout}
	_, err := newClient(tp).Request(context.Background(), 0x22, nil, 0)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("Request() err = %v, want %v", err, transport.ErrTimeout)
	}
	if len(tp.requests) != 1 {
		t.Fatalf("got %d round trips, want exactly 1", len(tp.requests))
	}
}

func TestReadDataByID(t *testing.T) {
	t.Run("strips identifier echo", func(t *testing.T) {
		tp := &scriptedTransport{replies: [][]byte{{0x62, 0xF1, 0x90, 'W', 'B', 'A'}}}
		got, err := newClient(tp).ReadDataByID(context.Background(), 0xF190)
		if err != nil {
			t.Fatalf("ReadDataByID() err = %v", err)
		}
		if string(got) != "WBA" {
			t.Fatalf("ReadDataByID() = %q, want %q", got, "WBA")
		}
	})

	t.Run("rejects mismatched echo", func(t *testing.T) {
		tp := &scriptedTransport{replies: [][]byte{{0x62, 0xF1, 0x91, 0x00}}}
		_, err := newClient(tp).ReadDataByID(context.Background(), 0xF190)
		var ierr *uds.UnexpectedIdentifierError
		if !errors.As(err, &ierr) {
			t.Fatalf("ReadDataByID() err = %v, want UnexpectedIdentifierError", err)
		}
		if ierr.Want != 0xF190 || ierr.Got != 0xF191 {
			t.Fatalf("UnexpectedIdentifierError = %+v", ierr)
		}
	})
}

func TestWriteDataByID(t *testing.T) {
	tp := &scriptedTransport{replies: [][]byte{{0x6E, 0x30, 0x00}}}
	if err := newClient(tp).WriteDataByID(context.Background(), 0x3000, []byte("6AC,8S4")); err != nil {
		t.Fatalf("WriteDataByID() err = %v", err)
	}
	want := append([]byte{0x2E, 0x30, 0x00}, "6AC,8S4"...)
	if string(tp.requests[0]) != string(want) {
		t.Fatalf("request = % X, want % X", tp.requests[0], want)
	}
}

func TestSecurityAccessSubfunctions(t *testing.T) {
	tp := &scriptedTransport{replies: [][]byte{
		{0x67, 0x05, 0xDE, 0xAD},
		{0x67, 0x06},
	}}
	c := newClient(tp)

	seed, err := c.SecuritySeed(context.Background(), 3)
	if err != nil {
		t.Fatalf("SecuritySeed() err = %v", err)
	}
	if string(seed) != string([]byte{0xDE, 0xAD}) {
		t.Fatalf("seed = % X, want DE AD", seed)
	}
	if err := c.SecurityKey(context.Background(), 3, []byte{0xBE, 0xEF}); err != nil {
		t.Fatalf("SecurityKey() err = %v", err)
	}

	if want := []byte{0x27, 0x05}; string(tp.requests[0]) != string(want) {
		t.Fatalf("seed request = % X, want % X", tp.requests[0], want)
	}
	if want := []byte{0x27, 0x06, 0xBE, 0xEF}; string(tp.requests[1]) != string(want) {
		t.Fatalf("key request = % X, want % X", tp.requests[1], want)
	}
}

func TestObserverSeesEveryRoundTrip(t *testing.T) {
	tp := &scriptedTransport{replies: [][]byte{{0x62, 0x00, 0x01}}, err: nil}
	var samples int
	var lastErr error
	c := uds.New(tp, 0x0010, uds.Options{
		Observer: func(_ time.Duration, err error) {
			samples++
			lastErr = err
		},
	}, nil)

	if _, err := c.Request(context.Background(), 0x22, []byte{0x00, 0x01}, 0); err != nil {
		t.Fatalf("Request() err = %v", err)
	}
	tp.err = transport.ErrTimeout
	_, _ = c.Request(context.Background(), 0x22, []byte{0x00, 0x01}, 0)

	if samples != 2 {
		t.Fatalf("observer saw %d samples, want 2", samples)
	}
	if !errors.Is(lastErr, transport.ErrTimeout) {
		t.Fatalf("observer last err = %v, want timeout", lastErr)
	}
}

func TestNegativeResponseRetryable(t *testing.T) {
	tests := []struct {
		code byte
		want bool
	}{
		{0x21, true},
		{0x78, true},
		{0x31, false},
		{0x35, false},
	}
	for _, tt := range tests {
		nerr := &uds.NegativeResponseError{Service: 0x22, Code: tt.code}
		if got := nerr.Retryable(); got != tt.want {
			t.Errorf("Retryable(0x%02X) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
