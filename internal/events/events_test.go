// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

func TestAlertTopic(t *testing.T) {
	assert.Equal(t, "monitoring.alert.critical", AlertTopic(model.AlertCritical))
	assert.Equal(t, "monitoring.alert.warning", AlertTopic(model.AlertWarning))
}

func TestNewWithoutURLIsNop(t *testing.T) {
	p, err := New(config.EventsConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.Publish(context.Background(), TopicDocumentIndexed, map[string]int{"document_id": 1}))
	assert.NoError(t, p.Close())
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Publish(context.Background(), TopicDocumentIndexed, map[string]interface{}{"document_id": 9, "chunks": 3}))
	require.NoError(t, r.Publish(context.Background(), AlertTopic(model.AlertCaution), map[string]string{"station_id": "PZ-01"}))

	assert.Equal(t, []string{"documents.indexed", "monitoring.alert.caution"}, r.Topics())

	evs := r.Events()
	require.Len(t, evs, 2)
	assert.NotEmpty(t, evs[0].ID)
	assert.JSONEq(t, `{"document_id": 9, "chunks": 3}`, string(evs[0].Data))

	assert.Error(t, r.Publish(context.Background(), "bad", make(chan int)))
}

func TestNATSSubject(t *testing.T) {
	p := &NATSPublisher{prefix: "tailingsiq"}
	assert.Equal(t, "tailingsiq.documents.indexed", p.Subject(TopicDocumentIndexed))
	p.prefix = ""
	assert.Equal(t, "documents.indexed", p.Subject(TopicDocumentIndexed))
}

// TestNATSPublish runs against a live server named by NATS_URL.
func TestNATSPublish(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("tailingsiq-test.>", msgs)
	require.NoError(t, err)
	defer func() { _ = s.Unsubscribe() }()
	require.NoError(t, sub.Flush())

	p, err := New(config.EventsConfig{NATSURL: url, SubjectPrefix: "tailingsiq-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), AlertTopic(model.AlertCritical), map[string]string{"station_id": "PZ-01"}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "tailingsiq-test.monitoring.alert.critical", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "monitoring.alert.critical", ev.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
