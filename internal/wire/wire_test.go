package wire

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLeaseRequest(t *testing.T) {
	frame := []byte(`{"kind":"lease_request","payload":{"request_id":"r1","entity_id":"E1","estimated_cost":"12.50"}}`)

	msg, err := Decode(frame)
	require.NoError(t, err)

	lease, ok := msg.(*LeaseRequest)
	require.True(t, ok)
	assert.Equal(t, "E1", lease.EntityID)
	assert.True(t, lease.EstimatedCost.Equal(decimal.RequireFromString("12.50")))
}

func TestDecodeSettlementReport(t *testing.T) {
	frame := []byte(`{"kind":"settlement_report","payload":{"lease_id":"l1","backend_id":"model-a","input_tokens":1000,"output_tokens":500}}`)

	msg, err := Decode(frame)
	require.NoError(t, err)

	report, ok := msg.(*SettlementReport)
	require.True(t, ok)
	assert.Equal(t, int64(1000), report.InputTokens)
	assert.Equal(t, "model-a", report.BackendID)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"heartbeat","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeValidatesPayload(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		field string
	}{
		{
			"lease without entity",
			`{"kind":"lease_request","payload":{"estimated_cost":"1.00"}}`,
			"entity_id",
		},
		{
			"negative estimate",
			`{"kind":"lease_request","payload":{"entity_id":"E1","estimated_cost":"-1.00"}}`,
			"estimated_cost",
		},
		{
			"settlement without lease",
			`{"kind":"settlement_report","payload":{"backend_id":"x"}}`,
			"lease_id",
		},
		{
			"settlement negative tokens",
			`{"kind":"settlement_report","payload":{"lease_id":"l1","backend_id":"x","input_tokens":-1}}`,
			"tokens",
		},
		{
			"decision without outcome",
			`{"kind":"routing_decision","payload":{"request_id":"r1"}}`,
			"outcome",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &SettlementReport{
		LeaseID:      "l1",
		BackendID:    "model-a",
		InputTokens:  42,
		OutputTokens: 7,
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeRejectsForeignTypes(t *testing.T) {
	_, err := Encode(struct{ X int }{1})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"lease_request","payload":{`))
	assert.Error(t, err)
}
