package report

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/tudoalign/icp"
)

func TestPublisher_PublishSummary(t *testing.T) {
	res, truth := testResult(t)
	mock := NewMockClient()
	mock.SetConnected(true)

	pub := NewPublisher(mock, "lab/icp")
	require.NoError(t, pub.PublishSummary(NewSummary("abc", res, &truth)))

	msgs := mock.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "lab/icp/runs/abc", msgs[0].Topic)
	assert.Equal(t, "lab/icp/latest", msgs[1].Topic)
	assert.True(t, msgs[1].Retain)

	var s Summary
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &s))
	assert.Equal(t, "abc", s.RunID)
	assert.Equal(t, icp.StatusConverged, s.Status)

	latest, ok := pub.Latest()
	require.True(t, ok)
	assert.Equal(t, "abc", latest.RunID)
}

func TestPublisher_PublishClouds(t *testing.T) {
	res, _ := testResult(t)
	mock := NewMockClient()
	mock.SetConnected(true)

	pub := NewPublisher(mock, "")
	pub.SetQoS(1)
	pub.SetRetain(false)
	require.NoError(t, pub.PublishClouds("abc", res.Clouds()))

	msgs := mock.Published()
	require.Len(t, msgs, 3)
	assert.Equal(t, "tudoalign/runs/abc/clouds/source", msgs[0].Topic)
	assert.Equal(t, "tudoalign/runs/abc/clouds/predicted", msgs[2].Topic)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.False(t, msgs[0].Retain)

	var cm cloudMessage
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &cm))
	assert.Equal(t, icp.LabelTarget, cm.Label)
	assert.Len(t, cm.Points, 64)
	assert.Len(t, cm.Normals, 64)
}

func TestPublisher_NotConnected(t *testing.T) {
	res, _ := testResult(t)

	assert.Error(t, NewPublisher(nil, "x").PublishSummary(NewSummary("a", res, nil)))

	mock := NewMockClient()
	pub := NewPublisher(mock, "x")
	assert.Error(t, pub.PublishSummary(NewSummary("a", res, nil)))
	assert.Error(t, pub.PublishClouds("a", res.Clouds()))
	assert.Empty(t, mock.Published())
}

func TestPublisher_PublishError(t *testing.T) {
	res, _ := testResult(t)
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.Fail(OpPublish, errors.New("broker full"))

	err := NewPublisher(mock, "x").PublishSummary(NewSummary("a", res, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker full")
}

func TestPublisher_SetQoSIgnoresInvalid(t *testing.T) {
	pub := NewPublisher(nil, "")
	pub.SetQoS(3)
	assert.Equal(t, byte(0), pub.qos)
	assert.Equal(t, "tudoalign", pub.Prefix())
}

func TestConnect_Disabled(t *testing.T) {
	client, err := Connect(icp.MQTTConfig{}, time.Second)
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestConnectHelper(t *testing.T) {
	mock := NewMockClient()
	require.NoError(t, connect(mock, time.Second))
	assert.True(t, mock.IsConnected())

	failing := NewMockClient()
	failing.Fail(OpConnect, errors.New("refused"))
	assert.Error(t, connect(failing, time.Second))
}

func TestSubscribeRuns(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	var got []RunRequest
	require.NoError(t, SubscribeRuns(mock, "lab", func(req RunRequest) { got = append(got, req) }))

	mock.Deliver("lab/command/run", []byte(`{"algorithm":"point_to_point_lsq","spatialIndex":true,"maxIterations":7}`))
	mock.Deliver("lab/command/run", []byte(`not json`))
	mock.Deliver("lab/command/run", nil)

	require.Len(t, got, 2)
	assert.Equal(t, icp.AlgorithmPointToPointLSQ, got[0].Algorithm)
	require.NotNil(t, got[0].SpatialIndex)
	assert.True(t, *got[0].SpatialIndex)
	assert.Equal(t, 7, got[0].MaxIterations)
	assert.Equal(t, RunRequest{}, got[1])
}

func TestSubscribeRuns_Errors(t *testing.T) {
	assert.Error(t, SubscribeRuns(nil, "lab", func(RunRequest) {}))

	assert.Error(t, SubscribeRuns(NewMockClient(), "lab", func(RunRequest) {}), "not connected")

	mock := NewMockClient()
	mock.SetConnected(true)
	mock.Fail(OpSubscribe, errors.New("denied"))
	assert.Error(t, SubscribeRuns(mock, "lab", func(RunRequest) {}))

	mock.Fail(OpSubscribe, nil)
	assert.NoError(t, SubscribeRuns(mock, "lab", func(RunRequest) {}))
}

func TestMockClient_Routes(t *testing.T) {
	mock := NewMockClient()
	var topics []string
	record := func(_ mqtt.Client, m mqtt.Message) { topics = append(topics, m.Topic()) }

	mock.AddRoute("a", record)
	mock.Deliver("a", nil)
	mock.Deliver("b", nil)
	assert.Equal(t, []string{"a"}, topics, "routes work while disconnected")

	assert.ErrorIs(t, mock.Publish("a", 0, false, "x").Error(), mqtt.ErrNotConnected)
	require.NoError(t, mock.Connect().Error())
	require.NoError(t, mock.Publish("a", 1, true, "x").Error())
	assert.Equal(t, []MockMessage{{Topic: "a", Payload: []byte("x"), QoS: 1, Retain: true}}, mock.Published())

	mock.Unsubscribe("a")
	mock.Deliver("a", nil)
	assert.Len(t, topics, 1)
}

func TestRunRequest_Apply(t *testing.T) {
	base := icp.DefaultConfig()
	yes := true
	seed := int64(9)

	cfg, err := RunRequest{Algorithm: icp.AlgorithmPointToPlaneLSQ, SpatialIndex: &yes, MaxIterations: 12, Seed: &seed}.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, icp.AlgorithmPointToPlaneLSQ, cfg.Algorithm)
	assert.True(t, cfg.UseSpatialIndex)
	assert.Equal(t, 12, cfg.MaxIterations)
	assert.Equal(t, int64(9), cfg.Seed)

	same, err := RunRequest{}.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, base, same)

	_, err = RunRequest{Algorithm: "bogus"}.Apply(base)
	assert.ErrorIs(t, err, icp.ErrInvalidConfig)
	_, err = RunRequest{MaxIterations: -1}.Apply(base)
	assert.ErrorIs(t, err, icp.ErrInvalidConfig)
}
