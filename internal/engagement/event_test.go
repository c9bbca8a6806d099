package engagement

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openEvent = `{
	"eventType": "Open",
	"mail": {
		"messageId": "ses-123",
		"timestamp": "2024-03-10T09:00:00Z",
		"tags": {"campaign": ["campaign-abc"], "ses:configuration-set": ["outreach"]}
	},
	"open": {"timestamp": "2024-03-10T11:30:00Z", "ipAddress": "198.51.100.4"}
}`

const bounceEvent = `{
	"notificationType": "Bounce",
	"mail": {"messageId": "ses-456", "timestamp": "2024-03-10T09:00:00Z"},
	"bounce": {
		"bounceType": "Permanent",
		"bouncedRecipients": [{"emailAddress": "owner@bakery.example"}, {"emailAddress": " "}],
		"timestamp": "2024-03-10T09:00:05Z"
	}
}`

func snsWrap(t *testing.T, body string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{"Type": "Notification", "MessageId": "sns-1", "Message": body})
	require.NoError(t, err)
	return b
}

func TestParse_Open(t *testing.T) {
	for name, body := range map[string][]byte{
		"raw": []byte(openEvent),
		"sns": snsWrap(t, openEvent),
	} {
		t.Run(name, func(t *testing.T) {
			ev, err := Parse(body)
			require.NoError(t, err)
			assert.Equal(t, KindOpen, ev.Kind)
			assert.Equal(t, "ses-123", ev.MessageID)
			assert.Equal(t, "campaign-abc", ev.Tag)
			assert.True(t, ev.At.Equal(time.Date(2024, 3, 10, 11, 30, 0, 0, time.UTC)))
		})
	}
}

func TestParse_PermanentBounce(t *testing.T) {
	ev, err := Parse([]byte(bounceEvent))
	require.NoError(t, err)
	assert.Equal(t, KindBounce, ev.Kind)
	assert.True(t, ev.Permanent)
	assert.Equal(t, []string{"owner@bakery.example"}, ev.Recipients)
	assert.Empty(t, ev.Tag)
}

func TestParse_Complaint(t *testing.T) {
	body := `{"eventType":"Complaint","mail":{"messageId":"ses-789","tags":{"campaign":["campaign-x"]}},
		"complaint":{"complainedRecipients":[{"emailAddress":"owner@bakery.example"}],"timestamp":"2024-03-11T08:00:00Z"}}`

	ev, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, KindComplaint, ev.Kind)
	assert.Equal(t, []string{"owner@bakery.example"}, ev.Recipients)
	assert.True(t, ev.At.Equal(time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		unsupported bool
	}{
		{"not json", `not json`, false},
		{"no message id", `{"eventType":"Open","mail":{}}`, false},
		{"bounce without details", `{"eventType":"Bounce","mail":{"messageId":"m"}}`, false},
		{"delivery", `{"eventType":"Delivery","mail":{"messageId":"m"}}`, true},
		{"send", `{"eventType":"Send","mail":{"messageId":"m"}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.unsupported, errors.Is(err, ErrUnsupportedEvent))
		})
	}
}

func TestEvent_Key(t *testing.T) {
	at := time.Date(2024, 3, 10, 11, 30, 0, 0, time.UTC)
	open := &Event{Kind: KindOpen, MessageID: "ses-123", At: at}

	assert.Equal(t, "ses-123:open:1710070200000", open.Key())
	assert.Equal(t, open.Key(), (&Event{Kind: KindOpen, MessageID: "ses-123", At: at}).Key())
	assert.NotEqual(t, open.Key(), (&Event{Kind: KindClick, MessageID: "ses-123", At: at}).Key())
	assert.NotEqual(t, open.Key(), (&Event{Kind: KindOpen, MessageID: "ses-123", At: at.Add(time.Second)}).Key())
}
