package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/lettergate/lettergate-backend/db"
	"github.com/lettergate/lettergate-backend/gatekeeper"
	"github.com/lettergate/lettergate-backend/models"
)

var testAPI *API
var server *httptest.Server
var database *db.MemDatabase
var spy *spyDatabase
var mockGk *mockGatekeeper
var emailer *mockEmailer

// Mock gatekeeper with a programmable decision.
type mockGatekeeper struct {
	decision gatekeeper.Decision
	err      error
}

func (m *mockGatekeeper) Check(r *http.Request, email string) (gatekeeper.Decision, error) {
	return m.decision, m.err
}

func (m *mockGatekeeper) allow() {
	m.decision = gatekeeper.Decision{Allowed: true}
	m.err = nil
}

// Mock emailer which records dispatched confirmations.
type sentEmail struct {
	Address string
	Token   string
}

type mockEmailer struct {
	sent []sentEmail
	err  error
}

func (e *mockEmailer) SendConfirmation(address string, token string) error {
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, sentEmail{Address: address, Token: token})
	return nil
}

// spyDatabase counts writes so tests can assert that denied requests never
// touch the store.
type spyDatabase struct {
	db.Database
	pendingPuts    int
	subscriberPuts int
}

func (s *spyDatabase) PutPendingSubscription(email string) (pending models.PendingSubscription, err error) {
	s.pendingPuts++
	return s.Database.PutPendingSubscription(email)
}

func (s *spyDatabase) PutSubscriber(email string) error {
	s.subscriberPuts++
	return s.Database.PutSubscriber(email)
}

func TestMain(m *testing.M) {
	godotenv.Overload("../.env.test")
	database = db.InitMemDatabase()
	spy = &spyDatabase{Database: database}
	mockGk = &mockGatekeeper{}
	emailer = &mockEmailer{}
	testAPI = &API{
		Database:   spy,
		Gatekeeper: mockGk,
		Emailer:    emailer,
		Website:    "https://newsletter.example.com",
		APIToken:   "test-api-token",
	}
	mux := http.NewServeMux()
	server = httptest.NewServer(testAPI.RegisterHandlers(mux))
	defer server.Close()
	code := m.Run()
	os.Exit(code)
}

func teardown() {
	database.ClearTables()
	mockGk.allow()
	emailer.sent = nil
	emailer.err = nil
	spy.pendingPuts = 0
	spy.subscriberPuts = 0
}

type jsonBody struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error"`
}

func decodeBody(t *testing.T, resp *http.Response) jsonBody {
	defer resp.Body.Close()
	body := jsonBody{}
	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("could not decode response %q: %v", raw, err)
	}
	return body
}

func postSubmitJSON(t *testing.T, email string) *http.Response {
	payload, _ := json.Marshal(map[string]string{"email": email})
	resp, err := http.Post(server.URL+"/submit", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestProbeAllowed(t *testing.T) {
	defer teardown()
	mockGk.allow()
	resp, err := http.Get(server.URL + "/submit?email=someone@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body.Data != "Hello World!" {
		t.Errorf("expected Hello World!, got %v", body.Data)
	}
}

func TestProbeDenied(t *testing.T) {
	defer teardown()
	tests := []struct {
		reason  gatekeeper.Reason
		message string
	}{
		{gatekeeper.ReasonShield, "Suspicious action detected!"},
		{gatekeeper.ReasonBot, "Looks like you might be a bot!"},
	}
	for _, test := range tests {
		mockGk.decision = gatekeeper.Decision{Allowed: false, Reason: test.reason}
		resp, err := http.Get(server.URL + "/submit?email=someone@example.com")
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: expected status 403, got %d", test.reason, resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if body.Error != test.message {
			t.Errorf("%s: expected %q, got %q", test.reason, test.message, body.Error)
		}
	}
}

func TestSubmitDeniedWritesNothing(t *testing.T) {
	defer teardown()
	for _, reason := range []gatekeeper.Reason{gatekeeper.ReasonShield, gatekeeper.ReasonBot} {
		mockGk.decision = gatekeeper.Decision{Allowed: false, Reason: reason}
		resp := postSubmitJSON(t, "someone@example.com")
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: expected status 403, got %d", reason, resp.StatusCode)
		}
		resp.Body.Close()
	}
	if spy.pendingPuts != 0 || spy.subscriberPuts != 0 {
		t.Errorf("denied submissions should not write to the store")
	}
	if len(emailer.sent) != 0 {
		t.Errorf("denied submissions should not dispatch e-mail")
	}
}

func TestSubmitRateLimited(t *testing.T) {
	defer teardown()
	tests := []struct {
		reset   time.Time
		message string
	}{
		{time.Now().Add(30 * time.Second), "Too many requests. Try again in 30 seconds."},
		{time.Now().Add(150 * time.Second), "Too many requests. Try again in 3 minutes."},
		{time.Time{}, "Too many requests. Try again later."},
	}
	for _, test := range tests {
		mockGk.decision = gatekeeper.Decision{
			Allowed: false,
			Reason:  gatekeeper.ReasonRateLimit,
			Reset:   test.reset,
		}
		resp := postSubmitJSON(t, "someone@example.com")
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if body.Error != test.message {
			t.Errorf("expected %q, got %q", test.message, body.Error)
		}
	}
	if spy.pendingPuts != 0 {
		t.Errorf("rate-limited submissions should not write to the store")
	}
}

func TestRateLimitMessageRounding(t *testing.T) {
	now := time.Now()
	tests := []struct {
		seconds int
		message string
	}{
		{1, "Too many requests. Try again in 1 seconds."},
		{30, "Too many requests. Try again in 30 seconds."},
		{60, "Too many requests. Try again in 60 seconds."},
		{61, "Too many requests. Try again in 2 minutes."},
		{150, "Too many requests. Try again in 3 minutes."},
		{600, "Too many requests. Try again in 10 minutes."},
	}
	for _, test := range tests {
		got := rateLimitMessage(now.Add(time.Duration(test.seconds)*time.Second), now)
		if got != test.message {
			t.Errorf("reset in %ds: expected %q, got %q", test.seconds, test.message, got)
		}
	}
}

func TestSubmitInvalidEmailFlags(t *testing.T) {
	defer teardown()
	tests := []struct {
		flags   []gatekeeper.EmailFlag
		message string
	}{
		{[]gatekeeper.EmailFlag{gatekeeper.EmailInvalid},
			"Invalid email format. Check your spelling."},
		{[]gatekeeper.EmailFlag{gatekeeper.EmailDisposable},
			"Disposable email address. Check your spelling."},
		{[]gatekeeper.EmailFlag{gatekeeper.EmailNoMXRecords},
			"Email without an MX record. Check your spelling."},
		// First match wins: INVALID outranks DISPOSABLE.
		{[]gatekeeper.EmailFlag{gatekeeper.EmailDisposable, gatekeeper.EmailInvalid},
			"Invalid email format. Check your spelling."},
		{[]gatekeeper.EmailFlag{"FREE"},
			"Invalid email. Check your spelling."},
	}
	for _, test := range tests {
		mockGk.decision = gatekeeper.Decision{
			Allowed:    false,
			Reason:     gatekeeper.ReasonEmail,
			EmailFlags: test.flags,
		}
		resp := postSubmitJSON(t, "someone@example.com")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%v: expected status 400, got %d", test.flags, resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if body.Error != test.message {
			t.Errorf("%v: expected %q, got %q", test.flags, test.message, body.Error)
		}
	}
}

func TestSubmitAlreadyRegistered(t *testing.T) {
	defer teardown()
	mockGk.allow()
	database.PutSubscriber("reader@example.com")
	resp := postSubmitJSON(t, "reader@example.com")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected status 409, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body.Error != "This email has already been registered." {
		t.Errorf("unexpected error message %q", body.Error)
	}
	if spy.pendingPuts != 0 {
		t.Errorf("duplicate submission should not create a pending subscription")
	}
	if len(emailer.sent) != 0 {
		t.Errorf("duplicate submission should not dispatch e-mail")
	}
}

func TestSubmitSuccess(t *testing.T) {
	defer teardown()
	mockGk.allow()
	resp := postSubmitJSON(t, "Reader@Example.COM")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body.Data != "Success" {
		t.Errorf("expected Success, got %v", body.Data)
	}
	if spy.pendingPuts != 1 {
		t.Fatalf("expected exactly one pending subscription, got %d writes", spy.pendingPuts)
	}
	if len(emailer.sent) != 1 {
		t.Fatalf("expected exactly one confirmation e-mail, got %d", len(emailer.sent))
	}
	// Submission is normalized before storage and dispatch.
	if emailer.sent[0].Address != "reader@example.com" {
		t.Errorf("confirmation sent to %q", emailer.sent[0].Address)
	}
	pending, err := database.GetPendingSubscription(emailer.sent[0].Token)
	if err != nil {
		t.Fatalf("dispatched token does not resolve: %v", err)
	}
	if pending.Email != "reader@example.com" {
		t.Errorf("pending subscription for %q", pending.Email)
	}
}

func TestResubmitReplacesToken(t *testing.T) {
	defer teardown()
	mockGk.allow()
	postSubmitJSON(t, "reader@example.com").Body.Close()
	postSubmitJSON(t, "reader@example.com").Body.Close()
	if len(emailer.sent) != 2 {
		t.Fatalf("expected two confirmation e-mails, got %d", len(emailer.sent))
	}
	first, second := emailer.sent[0].Token, emailer.sent[1].Token
	if first == second {
		t.Errorf("resubmission should issue a fresh token")
	}
	// Only the latest token stays live.
	if _, err := database.GetPendingSubscription(first); err != db.ErrNotFound {
		t.Errorf("stale token should not resolve")
	}
	if _, err := database.GetPendingSubscription(second); err != nil {
		t.Errorf("latest token should resolve: %v", err)
	}
}

func TestSubmitFormEncoded(t *testing.T) {
	defer teardown()
	mockGk.allow()
	resp, err := http.PostForm(server.URL+"/submit",
		url.Values{"email": {"reader@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitMissingEmail(t *testing.T) {
	defer teardown()
	resp, err := http.Post(server.URL+"/submit", "application/json",
		strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitEmailDispatchFailure(t *testing.T) {
	defer teardown()
	mockGk.allow()
	emailer.err = fmt.Errorf("smtp connection refused")
	resp := postSubmitJSON(t, "reader@example.com")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500 when dispatch fails, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if !strings.Contains(body.Error, "confirmation e-mail") {
		t.Errorf("unexpected error message %q", body.Error)
	}
}

func TestSubmitGatekeeperUnavailable(t *testing.T) {
	defer teardown()
	mockGk.err = fmt.Errorf("gatekeeper timeout")
	resp := postSubmitJSON(t, "reader@example.com")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}
	if spy.pendingPuts != 0 {
		t.Errorf("submission should not be stored when the gatekeeper is unavailable")
	}
}

// noRedirectClient lets us inspect the confirm redirect instead of
// following it to a website that doesn't exist.
var noRedirectClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func confirmWorkflow(t *testing.T, email string) string {
	mockGk.allow()
	postSubmitJSON(t, email).Body.Close()
	if len(emailer.sent) == 0 {
		t.Fatal("no confirmation e-mail dispatched")
	}
	return emailer.sent[len(emailer.sent)-1].Token
}

func TestConfirmPromotesSubscription(t *testing.T) {
	defer teardown()
	token := confirmWorkflow(t, "reader@example.com")
	resp, err := noRedirectClient.Get(server.URL + "/confirm?token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect status 302, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location != "https://newsletter.example.com/?approved=true" {
		t.Errorf("unexpected redirect target %q", location)
	}
	if _, err := database.GetSubscriber("reader@example.com"); err != nil {
		t.Errorf("confirmed address should be a subscriber: %v", err)
	}
	if _, err := database.GetPendingSubscription(token); err != db.ErrNotFound {
		t.Errorf("redeemed token should no longer resolve")
	}
}

func TestConfirmTokenTwice(t *testing.T) {
	defer teardown()
	token := confirmWorkflow(t, "reader@example.com")
	resp, err := noRedirectClient.Get(server.URL + "/confirm?token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// Second redemption must fail without duplicating the subscriber.
	resp, err = noRedirectClient.Get(server.URL + "/confirm?token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400 on second redemption, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body.Error != "Token not found" {
		t.Errorf("unexpected error message %q", body.Error)
	}
	subscribers, _ := database.GetSubscribers()
	if len(subscribers) != 1 {
		t.Errorf("expected one subscriber, got %d", len(subscribers))
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	defer teardown()
	resp, err := noRedirectClient.Get(server.URL + "/confirm?token=never-issued")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body.Error != "Token not found" {
		t.Errorf("unexpected error message %q", body.Error)
	}
}

func TestConfirmMissingToken(t *testing.T) {
	defer teardown()
	resp, err := noRedirectClient.Get(server.URL + "/confirm")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body.Error != "Invalid token" {
		t.Errorf("unexpected error message %q", body.Error)
	}
	if spy.subscriberPuts != 0 {
		t.Errorf("missing token should not mutate the store")
	}
}

func TestSubscribersRequiresAuth(t *testing.T) {
	defer teardown()
	resp, err := http.Get(server.URL + "/api/subscribers")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", resp.StatusCode)
	}
	req, _ := http.NewRequest("GET", server.URL+"/api/subscribers", nil)
	req.SetBasicAuth("", "test-api-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestPing(t *testing.T) {
	resp, err := http.Get(server.URL + "/api/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestSNSNotificationBlacklistsRecipient(t *testing.T) {
	defer teardown()
	os.Setenv("AMAZON_AUTHORIZE_KEY", "sns-secret")
	message := `{"notificationType":"Bounce","bounce":{"bouncedRecipients":[{"emailAddress":"gone@example.com"}]}}`
	payload, _ := json.Marshal(map[string]string{
		"Message":   message,
		"Timestamp": "2019-07-21T18:47:13.498Z",
	})
	resp, err := http.Post(server.URL+"/sns?amazon_authorize_key=sns-secret",
		"application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	blacklisted, err := database.IsBlacklistedEmail("gone@example.com")
	if err != nil || !blacklisted {
		t.Errorf("bounced address should be blacklisted")
	}
}
