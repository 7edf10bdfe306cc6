package sendgrid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.val, f.err
}

func newTestClient(t *testing.T, srv *httptest.Server, g *fakeGetter) *Client {
	t.Helper()
	c, err := NewClient(g, "/bot/sendgrid-token", "bot@example.com", "Device Bot", WithBaseURL(srv.URL))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(nil, "/bot/sendgrid-token", "bot@example.com", "")
	require.Error(t, err)

	_, err = NewClient(&fakeGetter{}, " ", "bot@example.com", "")
	require.Error(t, err)

	_, err = NewClient(&fakeGetter{}, "/bot/sendgrid-token", " ", "")
	require.Error(t, err)
}

func TestSendTranscript_HappyPath(t *testing.T) {
	var got mailSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/mail/send", r.URL.Path)
		require.Equal(t, "Bearer SG.test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := &fakeGetter{val: `{"token":"SG.test"}`}
	c := newTestClient(t, srv, g)

	require.NoError(t, c.SendTranscript(context.Background(), "ada@example.com", "<p>hi</p>", "Your conversation history"))
	require.NoError(t, c.SendTranscript(context.Background(), "ada@example.com", "<p>hi</p>", "Your conversation history"))
	require.Equal(t, 1, g.calls)

	require.Equal(t, "ada@example.com", got.Personalizations[0].To[0].Email)
	require.Equal(t, emailAddress{Email: "bot@example.com", Name: "Device Bot"}, got.From)
	require.Equal(t, "Your conversation history", got.Subject)
	require.Equal(t, []mailContent{{Type: "text/html", Value: "<p>hi</p>"}}, got.Content)
}

func TestSendTranscript_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"invalid to address"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGetter{val: `{"token":"SG.test"}`})
	err := c.SendTranscript(context.Background(), "nope", "<p>hi</p>", "s")

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadRequest, httpErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "invalid to address")
}

func TestSendTranscript_ValidatesInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	g := &fakeGetter{val: `{"token":"SG.test"}`}
	c := newTestClient(t, srv, g)
	require.ErrorContains(t, c.SendTranscript(context.Background(), " ", "<p>x</p>", "s"), "recipient")
	require.ErrorContains(t, c.SendTranscript(context.Background(), "a@b.c", "<p>x</p>", " "), "subject")
	require.ErrorContains(t, c.SendTranscript(context.Background(), "a@b.c", "", "s"), "html body")
	require.Zero(t, g.calls)
}

func TestSendTranscript_TokenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGetter{err: errors.New("ssm unavailable")})
	err := c.SendTranscript(context.Background(), "a@b.c", "<p>x</p>", "s")
	require.ErrorContains(t, err, "ssm unavailable")
}
