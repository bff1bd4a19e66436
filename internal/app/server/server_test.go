package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPServer(t *testing.T) (*server, *httptest.Server) {
	t.Helper()
	srv := newServer(testConfig(), newTestStore(t))
	go srv.matchmaker.run()
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.matchmaker.shutdown)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

// readUntil skips interleaved broadcasts until the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		m := readMsg(t, conn)
		if m["type"] == msgType {
			return m
		}
	}
	t.Fatalf("message %q never arrived", msgType)
	return nil
}

func TestOriginAllowed(t *testing.T) {
	srv := newServer(testConfig(), newTestStore(t))

	assert.True(t, srv.originAllowed(""))
	assert.True(t, srv.originAllowed("http://localhost:3000"))
	assert.True(t, srv.originAllowed("https://preview-abc.vercel.app"))
	assert.False(t, srv.originAllowed("https://evil.com"))
	assert.False(t, srv.originAllowed("https://vercel.app.evil.com"))
	assert.False(t, srv.originAllowed("http://localhost:9999"))
}

func TestNewRoomCodeShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := newRoomCode()
		assert.Regexp(t, roomCodePattern, code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newHTTPServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateRoomEndpoint(t *testing.T) {
	_, ts := newHTTPServer(t)

	resp, err := http.Get(ts.URL + "/api/create-room")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Regexp(t, roomCodePattern, body["roomId"])
}

func TestDisallowedOriginRejected(t *testing.T) {
	_, ts := newHTTPServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/create-room", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRatingEndpointDefaults(t *testing.T) {
	_, ts := newHTTPServer(t)

	resp, err := http.Get(ts.URL + "/api/rating?token=not-a-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1200, body["rating"])
	assert.Equal(t, 0, body["gamesPlayed"])
}

func TestSetNicknameAndLeaderboard(t *testing.T) {
	srv, ts := newHTTPServer(t)

	payload, _ := json.Marshal(map[string]string{"token": tokenA, "nickname": "alice"})
	resp, err := http.Post(ts.URL+"/api/set-nickname", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = srv.ratings.RecordResult(context.Background(), tokenA, tokenB, false)
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/leaderboard?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Leaderboard []struct {
			Rank     int    `json:"rank"`
			Nickname string `json:"nickname"`
			Rating   int    `json:"rating"`
		} `json:"leaderboard"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Leaderboard, 2)
	assert.Equal(t, "alice", body.Leaderboard[0].Nickname)
	assert.Equal(t, 1216, body.Leaderboard[0].Rating)
	assert.Equal(t, "Anonymous", body.Leaderboard[1].Nickname)
}

func TestSetNicknameRejectsInvalidToken(t *testing.T) {
	_, ts := newHTTPServer(t)

	payload, _ := json.Marshal(map[string]string{"token": "junk", "nickname": "alice"})
	resp, err := http.Post(ts.URL+"/api/set-nickname", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomSocketRejectsMalformedCode(t *testing.T) {
	_, ts := newHTTPServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/room/abc"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomSocketEndToEnd(t *testing.T) {
	_, ts := newHTTPServer(t)

	c1 := dial(t, ts, "/room/ABC234")
	require.NoError(t, c1.WriteJSON(map[string]string{
		"type": msgJoinRoom, "nickname": "alice", "token": tokenA,
	}))
	joined := readMsg(t, c1)
	assert.Equal(t, msgRoomJoined, joined["type"])
	assert.Equal(t, "black", joined["color"])
	assert.Equal(t, msgWaitingForOpponent, readMsg(t, c1)["type"])

	c2 := dial(t, ts, "/room/ABC234")
	require.NoError(t, c2.WriteJSON(map[string]string{
		"type": msgJoinRoom, "nickname": "bob", "token": tokenB,
	}))
	assert.Equal(t, "white", readMsg(t, c2)["color"])

	start1 := readUntil(t, c1, msgGameStart)
	assert.Equal(t, "black", start1["yourColor"])
	start2 := readUntil(t, c2, msgGameStart)
	assert.Equal(t, "white", start2["yourColor"])

	// Black opens; both see the same authoritative state.
	require.NoError(t, c1.WriteJSON(map[string]any{
		"type": msgMakeMove, "position": map[string]int{"row": 2, "col": 3},
	}))
	made := readUntil(t, c2, msgMoveMade)
	state := made["state"].(map[string]any)
	assert.Equal(t, "white", state["currentPlayer"])

	// Protocol chatter on the same connection.
	require.NoError(t, c1.WriteJSON(map[string]string{"type": msgPing}))
	assert.Equal(t, msgPong, readUntil(t, c1, msgPong)["type"])

	require.NoError(t, c1.WriteJSON(map[string]string{"type": "NONSENSE"}))
	errMsg := readUntil(t, c1, msgError)
	assert.Equal(t, reasonUnknownType, errMsg["message"])

	require.NoError(t, c1.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 2048)))
	errMsg = readUntil(t, c1, msgError)
	assert.Equal(t, reasonTooLarge, errMsg["message"])
}

// scriptedConn feeds canned frames to the read loop, then reports EOF.
type scriptedConn struct {
	fakeConn
	frames [][]byte
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	if len(c.frames) == 0 {
		return 0, nil, io.EOF
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return websocket.TextMessage, f, nil
}

func TestThrottledClientStillGetsPong(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 2
	srv := newServer(cfg, newTestStore(t))

	conn := &scriptedConn{}
	for i := 0; i < 5; i++ {
		conn.frames = append(conn.frames, []byte(`{"type":"PING"}`))
	}
	for i := 0; i < 3; i++ {
		conn.frames = append(conn.frames, []byte(`{"type":"REMATCH_REQUEST"}`))
	}

	sess := newSession(conn, cfg)
	var dispatched []string
	srv.readLoop(sess, func(m clientMessage) { dispatched = append(dispatched, m.Type) })

	pongs := 0
	for _, typ := range conn.types() {
		if typ == msgPong {
			pongs++
		}
	}
	assert.Equal(t, 5, pongs, "keep-alives must bypass the rate limit")

	assert.Equal(t, []string{msgRematchRequest, msgRematchRequest}, dispatched)
	errMsg, ok := conn.last(msgError)
	require.True(t, ok)
	assert.Equal(t, reasonTooMany, errMsg["message"])
}

func TestMatchmakingSocketEndToEnd(t *testing.T) {
	_, ts := newHTTPServer(t)

	c1 := dial(t, ts, "/matchmaking")
	require.NoError(t, c1.WriteJSON(map[string]string{
		"type": msgQuickMatch, "nickname": "alice", "token": tokenA,
	}))
	assert.Equal(t, msgWaitingForOpponent, readMsg(t, c1)["type"])

	c2 := dial(t, ts, "/matchmaking")
	require.NoError(t, c2.WriteJSON(map[string]string{
		"type": msgQuickMatch, "nickname": "bob", "token": tokenB,
	}))

	m1 := readUntil(t, c1, msgMatched)
	m2 := readUntil(t, c2, msgMatched)
	assert.Equal(t, m1["roomId"], m2["roomId"])
	assert.Regexp(t, roomCodePattern, m1["roomId"])
}
