package thameswater

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// MockRoundTripper is a mock implementation of http.RoundTripper.
type MockRoundTripper struct {
	Handler func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Handler(req)
}

// fakePortal emulates the whole login flow plus the consumption endpoint,
// counting hits per host and path so tests can assert which stages ran.
type fakePortal struct {
	t *testing.T

	mu   sync.Mutex
	hits map[string]int

	// knobs
	selfAssertedStatus int    // 0 means 200
	omitAuthCookies    bool   // authorize plants no correlation cookies
	confirmFragment    string // overrides the redirect fragment
	consumptionStatus  int    // 0 means 200
	consumptionBody    string // overrides the canned usage payload
}

func newFakePortal(t *testing.T) *fakePortal {
	return &fakePortal{t: t, hits: make(map[string]int)}
}

func (f *fakePortal) transport() *MockRoundTripper {
	return &MockRoundTripper{Handler: f.handle}
}

func (f *fakePortal) count(hostAndPath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[hostAndPath]
}

func (f *fakePortal) handle(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.hits[req.URL.Host+req.URL.Path]++
	f.mu.Unlock()

	switch {
	case strings.HasSuffix(req.URL.Path, "/oauth2/v2.0/authorize"):
		header := make(http.Header)
		if !f.omitAuthCookies {
			header.Add("Set-Cookie", transCookie+"=test-trans-token")
			header.Add("Set-Cookie", csrfCookie+"=test-csrf-token")
		}
		return respond(req, http.StatusOK, "", header), nil

	case strings.HasSuffix(req.URL.Path, "/SelfAsserted"):
		require.Equal(f.t, "StateProperties=test-trans-token", req.URL.Query().Get("tx"))
		require.Equal(f.t, "test-csrf-token", req.Header.Get("x-csrf-token"))
		form := parseForm(f.t, req)
		require.Equal(f.t, "RESPONSE", form.Get("request_type"))
		status := f.selfAssertedStatus
		if status == 0 {
			status = http.StatusOK
		}
		return respond(req, status, "", nil), nil

	case strings.HasSuffix(req.URL.Path, "/CombinedSigninAndSignup/confirmed"):
		require.Equal(f.t, "test-csrf-token", req.URL.Query().Get("csrf_token"))
		fragment := f.confirmFragment
		if fragment == "" {
			fragment = "code=test-auth-code&state=ignored"
		}
		header := make(http.Header)
		header.Set("Location", redirectURI+"#"+fragment)
		return respond(req, http.StatusFound, "", header), nil

	case req.URL.Host == "www.thameswater.co.uk":
		// Redirect target of the confirmation step.
		return respond(req, http.StatusOK, "", nil), nil

	case strings.HasSuffix(req.URL.Path, "/oauth2/v2.0/token"):
		form := parseForm(f.t, req)
		if req.Method == http.MethodPost {
			require.Equal(f.t, "authorization_code", form.Get("grant_type"))
			require.Equal(f.t, "test-auth-code", form.Get("code"))
			require.NotEmpty(f.t, form.Get("code_verifier"))
			return jsonRespond(req, map[string]string{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"id_token":      "id-1",
			}), nil
		}
		require.Equal(f.t, "refresh_token", form.Get("grant_type"))
		require.Equal(f.t, "refresh-1", form.Get("refresh_token"))
		return jsonRespond(req, map[string]string{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"id_token":      "id-2",
		}), nil

	case req.URL.Path == "/mydashboard", req.URL.Path == "/mydashboard/my-meters-usage":
		return respond(req, http.StatusOK, "", nil), nil

	case req.URL.Path == "/twservice/Account/SignIn":
		header := make(http.Header)
		header.Set("Location", accountBaseURL+"/signin-callback?client=web&state=test-site-state&nonce=abc")
		return respond(req, http.StatusFound, "", header), nil

	case req.URL.Path == "/signin-callback":
		body := "<html><input id='id_token' value='test-id-token'/></html>"
		return respond(req, http.StatusOK, body, nil), nil

	case req.URL.Path == "/login":
		form := parseForm(f.t, req)
		require.Equal(f.t, "test-site-state", form.Get("state"))
		require.Equal(f.t, "test-id-token", form.Get("id_token"))
		return respond(req, http.StatusOK, "", nil), nil

	case req.URL.Path == "/ajax/waterMeter/getSmartWaterMeterConsumptions":
		status := f.consumptionStatus
		if status == 0 {
			status = http.StatusOK
		}
		body := f.consumptionBody
		if body == "" {
			body = `{
				"IsError": false,
				"IsDataAvailable": true,
				"IsConsumptionAvailable": true,
				"Lines": [
					{"Label": "0:00", "Usage": 2, "Read": 1002, "IsEstimated": false, "MeterSerialNumberHis": "S1"},
					{"Label": "1:00", "Usage": 3, "Read": 1005, "IsEstimated": false, "MeterSerialNumberHis": "S1"}
				]
			}`
		}
		return respond(req, status, body, nil), nil
	}

	f.t.Fatalf("unexpected request: %s %s", req.Method, req.URL)
	return nil, nil
}

func respond(req *http.Request, status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func jsonRespond(req *http.Request, payload interface{}) *http.Response {
	data, _ := json.Marshal(payload)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return respond(req, http.StatusOK, string(data), header)
}

func parseForm(t *testing.T, req *http.Request) url.Values {
	t.Helper()
	if req.Body == nil {
		return url.Values{}
	}
	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	form, err := url.ParseQuery(string(data))
	require.NoError(t, err)
	return form
}
