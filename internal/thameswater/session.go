package thameswater

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The portal only speaks to its own browser frontend, so every endpoint path,
// query parameter, form field and header below is a compatibility contract and
// must match the frontend byte for byte.
const (
	loginBaseURL   = "https://login.thameswater.co.uk"
	accountBaseURL = "https://myaccount.thameswater.co.uk"
	redirectURI    = "https://www.thameswater.co.uk/login"

	policyName = "B2C_1_tw_website_signin"

	authorizeURL    = loginBaseURL + "/identity.thameswater.co.uk/b2c_1_tw_website_signin/oauth2/v2.0/authorize"
	selfAssertedURL = loginBaseURL + "/identity.thameswater.co.uk/B2C_1_tw_website_signin/SelfAsserted"
	confirmedURL    = loginBaseURL + "/identity.thameswater.co.uk/B2C_1_tw_website_signin/api/CombinedSigninAndSignup/confirmed"
	tokenURL        = loginBaseURL + "/identity.thameswater.co.uk/b2c_1_tw_website_signin/oauth2/v2.0/token"

	dashboardURL   = accountBaseURL + "/mydashboard"
	metersUsageURL = accountBaseURL + "/mydashboard/my-meters-usage"
	signInURL      = accountBaseURL + "/twservice/Account/SignIn"
	loginFormURL   = accountBaseURL + "/login"
	consumptionURL = accountBaseURL + "/ajax/waterMeter/getSmartWaterMeterConsumptions"

	transCookie = "x-ms-cpim-trans"
	csrfCookie  = "x-ms-cpim-csrf"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

	requestTimeout = 30 * time.Second
)

// stage identifies one step of the login sequence. Stages run in strict
// order; a failure at any stage discards everything accumulated so far and
// the next attempt restarts from stageGeneratePKCE.
type stage int

const (
	stageGeneratePKCE stage = iota
	stageAuthorize
	stageSelfAsserted
	stageConfirm
	stageTokenExchange
	stageTokenRefresh
	stageSiteSession
	stageAuthenticated
)

func (s stage) String() string {
	switch s {
	case stageGeneratePKCE:
		return "generate-pkce"
	case stageAuthorize:
		return "authorize"
	case stageSelfAsserted:
		return "self-asserted"
	case stageConfirm:
		return "confirm"
	case stageTokenExchange:
		return "token-exchange"
	case stageTokenRefresh:
		return "token-refresh"
	case stageSiteSession:
		return "site-session"
	case stageAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

// Session models the multi-stage portal login. It owns an HTTP client with a
// cookie jar; after a successful Authenticate all data calls ride on the
// session cookies planted during the final stage. Not safe for concurrent
// use: one Session per logical caller.
type Session struct {
	creds Credentials
	http  *http.Client

	stage         stage
	pkceVerifier  string
	pkceChallenge string
	transToken    string
	csrfToken     string
	authCode      string
	tokens        tokenResponse
}

func newSession(rt http.RoundTripper, creds Credentials) *Session {
	if rt == nil {
		rt = http.DefaultTransport
	}
	jar, _ := cookiejar.New(nil)
	return &Session{
		creds: creds,
		http: &http.Client{
			Transport: rt,
			Jar:       jar,
			Timeout:   requestTimeout,
		},
	}
}

// Authenticated reports whether the session reached the terminal
// authenticated state.
func (s *Session) Authenticated() bool {
	return s.stage == stageAuthenticated
}

// Authenticate drives the full login sequence. On any stage failure the
// session is reset so that no partial state survives into the next attempt.
func (s *Session) Authenticate(ctx context.Context) error {
	s.reset()

	steps := []struct {
		at  stage
		run func(context.Context) error
	}{
		{stageGeneratePKCE, func(context.Context) error { return s.generatePKCE() }},
		{stageAuthorize, s.authorize},
		{stageSelfAsserted, s.selfAsserted},
		{stageConfirm, s.confirm},
		{stageTokenExchange, s.exchangeToken},
		{stageTokenRefresh, s.refreshToken},
		{stageSiteSession, s.establishSiteSession},
	}

	for _, step := range steps {
		s.stage = step.at
		if err := step.run(ctx); err != nil {
			err = fmt.Errorf("login stage %s: %w", step.at, err)
			s.reset()
			return err
		}
	}

	s.stage = stageAuthenticated
	return nil
}

// reset discards all stage state including session cookies.
func (s *Session) reset() {
	jar, _ := cookiejar.New(nil)
	s.http.Jar = jar
	s.stage = stageGeneratePKCE
	s.pkceVerifier = ""
	s.pkceChallenge = ""
	s.transToken = ""
	s.csrfToken = ""
	s.authCode = ""
	s.tokens = tokenResponse{}
}

func (s *Session) generatePKCE() error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	s.pkceVerifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(s.pkceVerifier))
	s.pkceChallenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return nil
}

func (s *Session) authorize(ctx context.Context) error {
	params := url.Values{}
	params.Set("client_id", s.creds.ClientID)
	params.Set("scope", "openid profile offline_access")
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirectURI)
	params.Set("response_mode", "fragment")
	params.Set("code_challenge", s.pkceChallenge)
	params.Set("code_challenge_method", "S256")
	params.Set("nonce", uuid.NewString())
	params.Set("state", uuid.NewString())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizeURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorization, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorization, err)
	}
	drain(resp)
	if !success(resp) {
		return fmt.Errorf("%w: status %d", ErrAuthorization, resp.StatusCode)
	}

	u, _ := url.Parse(authorizeURL)
	for _, c := range s.http.Jar.Cookies(u) {
		switch c.Name {
		case transCookie:
			s.transToken = c.Value
		case csrfCookie:
			s.csrfToken = c.Value
		}
	}
	if s.transToken == "" || s.csrfToken == "" {
		return fmt.Errorf("%w: correlation cookies %s/%s not set", ErrAuthorization, transCookie, csrfCookie)
	}
	return nil
}

func (s *Session) selfAsserted(ctx context.Context) error {
	params := url.Values{}
	params.Set("tx", "StateProperties="+s.transToken)
	params.Set("p", policyName)

	form := url.Values{}
	form.Set("request_type", "RESPONSE")
	form.Set("email", s.creds.Email)
	form.Set("password", s.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, selfAssertedURL+"?"+params.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	req.Header.Set("user-agent", userAgent)
	req.Header.Set("x-csrf-token", s.csrfToken)
	req.Header.Set("content-type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	drain(resp)
	if !success(resp) {
		return fmt.Errorf("%w: status %d", ErrInvalidCredentials, resp.StatusCode)
	}
	return nil
}

func (s *Session) confirm(ctx context.Context) error {
	params := url.Values{}
	params.Set("rememberMe", "false")
	params.Set("tx", "StateProperties="+s.transToken)
	params.Set("csrf_token", s.csrfToken)
	params.Set("p", policyName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmedURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfirmation, err)
	}
	req.Header.Set("user-agent", userAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfirmation, err)
	}
	drain(resp)
	if !success(resp) {
		return fmt.Errorf("%w: status %d", ErrConfirmation, resp.StatusCode)
	}

	// The authorization code arrives in the fragment of the final redirect
	// target, not in a response body.
	frag, err := url.ParseQuery(resp.Request.URL.Fragment)
	if err != nil {
		return fmt.Errorf("%w: bad redirect fragment: %v", ErrConfirmation, err)
	}
	code := frag.Get("code")
	if code == "" {
		return fmt.Errorf("%w: redirect fragment carries no code", ErrConfirmation)
	}
	s.authCode = code
	return nil
}

func (s *Session) exchangeToken(ctx context.Context) error {
	form := url.Values{}
	form.Set("client_id", s.creds.ClientID)
	form.Set("redirect_uri", redirectURI)
	form.Set("scope", "openid offline_access profile")
	form.Set("grant_type", "authorization_code")
	form.Set("client_info", "1")
	form.Set("x-client-SKU", "msal.js.browser")
	form.Set("x-client-VER", "3.1.0")
	form.Set("x-ms-lib-capability", "retry-after, h429")
	form.Set("x-client-current-telemetry", "5|865,0,,,|,")
	form.Set("x-client-last-telemetry", "5|0|||0,0")
	form.Set("code_verifier", s.pkceVerifier)
	form.Set("code", s.authCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded;charset=utf-8")
	req.Header.Set("user-agent", userAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer resp.Body.Close()
	if !success(resp) {
		return fmt.Errorf("%w: status %d", ErrTokenExchange, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&s.tokens); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	if s.tokens.RefreshToken == "" {
		return fmt.Errorf("%w: response carries no refresh token", ErrTokenExchange)
	}
	return nil
}

func (s *Session) refreshToken(ctx context.Context) error {
	form := url.Values{}
	form.Set("client_id", s.creds.ClientID)
	form.Set("scope", "openid profile offline_access")
	form.Set("grant_type", "refresh_token")
	form.Set("client_info", "1")
	form.Set("x-client-SKU", "msal.js.browser")
	form.Set("x-client-VER", "3.1.0")
	form.Set("x-ms-lib-capability", "retry-after, h429")
	form.Set("x-client-current-telemetry", "5|61,0,,,|@azure/msal-react,2.0.3")
	form.Set("x-client-last-telemetry", "5|0|||0,0")
	form.Set("refresh_token", s.tokens.RefreshToken)

	// The portal accepts the refresh only as a GET carrying a form body.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	defer resp.Body.Close()
	if !success(resp) {
		return fmt.Errorf("%w: status %d", ErrTokenRefresh, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&s.tokens); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	return nil
}

// establishSiteSession walks the dashboard and service endpoints that plant
// the account-site cookies. After this stage no token is used again; every
// data call rides on the cookie jar.
func (s *Session) establishSiteSession(ctx context.Context) error {
	if err := s.browse(ctx, dashboardURL, userAgent); err != nil {
		return fmt.Errorf("%w: %v", ErrSiteSession, err)
	}
	metersURL := metersUsageURL + "?contractAccountNumber=" + url.QueryEscape(s.creds.AccountNumber)
	if err := s.browse(ctx, metersURL, userAgent); err != nil {
		return fmt.Errorf("%w: %v", ErrSiteSession, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signInURL+"?useremail=", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSiteSession, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSiteSession, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSiteSession, err)
	}

	finalURL := resp.Request.URL
	state := finalURL.Query().Get("state")
	if state == "" {
		return fmt.Errorf("%w: sign-in redirect carries no state", ErrSiteSession)
	}
	idToken := between(string(body), "id='id_token' value='", "'/>")
	if idToken == "" {
		return fmt.Errorf("%w: sign-in page carries no id_token", ErrSiteSession)
	}

	// The browser revisits the redirect target before posting the login form.
	if err := s.browse(ctx, finalURL.String(), userAgent); err != nil {
		return fmt.Errorf("%w: %v", ErrSiteSession, err)
	}

	form := url.Values{}
	form.Set("state", state)
	form.Set("id_token", idToken)

	req, err = http.NewRequestWithContext(ctx, http.MethodPost, loginFormURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSiteSession, err)
	}
	req.Header.Set("user-agent", userAgent)
	req.Header.Set("content-type", "application/x-www-form-urlencoded")

	loginResp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSiteSession, err)
	}
	drain(loginResp)
	if !success(loginResp) {
		return fmt.Errorf("%w: login post status %d", ErrSiteSession, loginResp.StatusCode)
	}

	// The frontend marks the session itself; so do we.
	u, _ := url.Parse(accountBaseURL)
	s.http.Jar.SetCookies(u, []*http.Cookie{{Name: "b2cAuthenticated", Value: "true"}})
	return nil
}

// browse issues a GET whose body we do not care about, keeping only the
// cookies it plants.
func (s *Session) browse(ctx context.Context, rawURL, ua string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("user-agent", ua)
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func success(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func between(s, left, right string) string {
	i := strings.Index(s, left)
	if i < 0 {
		return ""
	}
	rest := s[i+len(left):]
	j := strings.Index(rest, right)
	if j < 0 {
		return ""
	}
	return rest[:j]
}
