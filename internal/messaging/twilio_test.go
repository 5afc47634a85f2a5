package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCreator struct {
	mu   sync.Mutex
	sent []*twilioApi.CreateMessageParams
	err  error
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	s, err := newTwilioService(&fakeCreator{}, TwilioOpts{From: "+15550000000", Channel: ChannelSMS})
	require.NoError(t, err)

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+1 (555) 123-4567", want: "+15551234567"},
		{in: "whatsapp:+15551234567", want: "+15551234567"},
		{in: "15551234567", want: "+15551234567"},
		{in: "", wantErr: true},
		{in: "call me", wantErr: true},
		{in: "12345", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := s.ValidateAndCanonicalizeRecipient(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTwilioService_SendSMS(t *testing.T) {
	api := &fakeCreator{}
	s, err := newTwilioService(api, TwilioOpts{From: "+15550000000", Channel: ChannelSMS})
	require.NoError(t, err)

	sid, err := s.SendMessage(context.Background(), "555-123-4567", "Thanks, an agent will call you shortly.")
	require.NoError(t, err)
	assert.Equal(t, "SM123", sid)

	require.Len(t, api.sent, 1)
	assert.Equal(t, "+5551234567", *api.sent[0].To)
	assert.Equal(t, "+15550000000", *api.sent[0].From)
	assert.Equal(t, "Thanks, an agent will call you shortly.", *api.sent[0].Body)
}

func TestTwilioService_SendWhatsApp(t *testing.T) {
	api := &fakeCreator{}
	s, err := newTwilioService(api, TwilioOpts{From: "whatsapp:+15550000000", Channel: ChannelWhatsApp})
	require.NoError(t, err)
	assert.Equal(t, ChannelWhatsApp, s.Channel())

	_, err = s.SendMessage(context.Background(), "+15551234567", "hi")
	require.NoError(t, err)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "whatsapp:+15551234567", *api.sent[0].To)
	assert.Equal(t, "whatsapp:+15550000000", *api.sent[0].From)
}

func TestTwilioService_Errors(t *testing.T) {
	_, err := newTwilioService(&fakeCreator{}, TwilioOpts{Channel: ChannelSMS})
	assert.Error(t, err, "from is required")
	_, err = newTwilioService(&fakeCreator{}, TwilioOpts{From: "+1555", Channel: "pager"})
	assert.Error(t, err)

	api := &fakeCreator{err: errors.New("21211 invalid 'To' number")}
	s, err := newTwilioService(api, TwilioOpts{From: "+15550000000", Channel: ChannelSMS})
	require.NoError(t, err)
	_, err = s.SendMessage(context.Background(), "+15551234567", "hi")
	assert.ErrorContains(t, err, "21211")

	s.Stop()
	_, err = s.SendMessage(context.Background(), "+15551234567", "hi")
	assert.ErrorIs(t, err, ErrServiceStopped)
}

func TestNewTwilioService_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	_, err := NewTwilioService(WithFrom("+15550000000"))
	assert.Error(t, err)

	s, err := NewTwilioService(WithAccountSID("AC123"), WithAuthToken("token"), WithFrom("+15550000000"), WithChannel(ChannelWhatsApp))
	require.NoError(t, err)
	assert.Equal(t, ChannelWhatsApp, s.Channel())
}
