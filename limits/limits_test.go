package limits

import (
	"errors"
	"testing"
)

// TestValidatePacketLength tests declared packet length bounds.
func TestValidatePacketLength(t *testing.T) {
	tests := []struct {
		name    string
		length  uint32
		wantErr error
	}{
		{name: "typical", length: 28, wantErr: nil},
		{name: "maximum", length: MaxPacketLength, wantErr: nil},
		{name: "zero", length: 0, wantErr: ErrEmptyPayload},
		{name: "oversize", length: MaxPacketLength + 1, wantErr: ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePacketLength(tt.length)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePacketLength(%d) = %v, want %v", tt.length, err, tt.wantErr)
			}
		})
	}
}

// TestValidateBannerLength tests the identification-line limit.
func TestValidateBannerLength(t *testing.T) {
	if err := ValidateBannerLength(MaxBannerLength); err != nil {
		t.Errorf("length at limit rejected: %v", err)
	}
	if err := ValidateBannerLength(MaxBannerLength + 1); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversize banner accepted: %v", err)
	}
}

// TestValidatePayload tests outbound payload bounds.
func TestValidatePayload(t *testing.T) {
	if err := ValidatePayload(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("nil payload: %v, want ErrEmptyPayload", err)
	}
	if err := ValidatePayload(make([]byte, 1024)); err != nil {
		t.Errorf("1 KiB payload rejected: %v", err)
	}
	if err := ValidatePayload(make([]byte, MaxPacketLength)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversize payload accepted: %v", err)
	}
}

// TestWindowDefaults pins the relationship between the window constants.
func TestWindowDefaults(t *testing.T) {
	if WindowLimit != WindowBase/2 {
		t.Errorf("WindowLimit = %d, want WindowBase/2 = %d", WindowLimit, WindowBase/2)
	}
	if ChannelMaxPacket <= DataHeaderOverhead {
		t.Errorf("ChannelMaxPacket %d not larger than header overhead %d", ChannelMaxPacket, DataHeaderOverhead)
	}
}
