package nats

import (
	"io"
	"testing"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysqlevp/internal/config"
	"mysqlevp/internal/handler"
	"mysqlevp/internal/models"
	"mysqlevp/internal/sink/render"
)

var _ handler.Handler = (*Publisher)(nil)

func newPublisher(t *testing.T, cfg config.NATSConfig) *Publisher {
	t.Helper()
	r, err := render.New("UTC", "UTC")
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p, err := NewPublisher(nil, cfg, r, logger)
	require.NoError(t, err)
	return p
}

func insertEvent() *models.Envelope {
	return &models.Envelope{
		ID: "mysql-bin.000001:400", Timestamp: 1709296245, Schema: "tr", Table: "a", Kind: models.OperationInsert,
		Rows: []models.RowChange{
			models.InsertRow{NewValues: models.Row{"id": 1}},
			models.InsertRow{NewValues: models.Row{"id": 2}},
		},
	}
}

func TestPublisher_EventMessage(t *testing.T) {
	p := newPublisher(t, config.NATSConfig{Subject: "mysqlevp.{schema}.{table}"})

	msgs, err := p.Messages(insertEvent())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "mysqlevp.tr.a", msgs[0].Subject)
	assert.Equal(t, "mysql-bin.000001:400", msgs[0].Header.Get(nats.MsgIdHdr))

	var doc render.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &doc))
	assert.Equal(t, "mysql-bin.000001:400", doc.EvID)
	assert.Len(t, doc.AffectedRows, 2)
}

func TestPublisher_SplitRowMessages(t *testing.T) {
	p := newPublisher(t, config.NATSConfig{Subject: "cdc", SplitRow: true})

	msgs, err := p.Messages(insertEvent())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "mysql-bin.000001:400#0", msgs[0].Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "mysql-bin.000001:400#1", msgs[1].Header.Get(nats.MsgIdHdr))

	var doc render.Row
	require.NoError(t, json.Unmarshal(msgs[1].Data, &doc))
	assert.Equal(t, float64(2), doc.NewValues["id"])
}

func TestPublisher_CloseWithoutConnection(t *testing.T) {
	p := newPublisher(t, config.NATSConfig{Subject: "cdc"})
	assert.NoError(t, p.Close())
}
