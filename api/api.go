package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	raven "github.com/getsentry/raven-go"

	"github.com/lettergate/lettergate-backend/db"
	"github.com/lettergate/lettergate-backend/gatekeeper"
	"github.com/lettergate/lettergate-backend/util"
)

////////////////////////////////
//  *****   REST API   *****  //
////////////////////////////////

// EmailSender interface wraps a back-end that can send e-mails.
type EmailSender interface {
	// SendConfirmation sends a double opt-in e-mail for a particular
	// address, with a particular confirmation token.
	SendConfirmation(address string, token string) error
}

// API is the HTTP API that this service provides.
// All handlers respond with a JSON body of either
// {"data": ...} on success or {"error": "..."} on failure,
// with the HTTP status carrying the failure class.
type API struct {
	Database   db.Database
	Gatekeeper gatekeeper.Checker
	Emailer    EmailSender
	Website    string // Base URL of the site we redirect confirmed readers to.
	APIToken   string // Shared secret for the subscriber export endpoint.
}

type response struct {
	StatusCode int         `json:"-"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	redirect   string
}

type apiHandler func(r *http.Request) response

func (api *API) wrapper(handler apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := handler(r)
		if response.StatusCode == http.StatusInternalServerError {
			packet := raven.NewPacket(response.Error, raven.NewHttp(r))
			raven.Capture(packet, nil)
		}
		if response.redirect != "" {
			http.Redirect(w, r, response.redirect, response.StatusCode)
			return
		}
		api.writeJSON(w, response)
	}
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

// RegisterHandlers binds API functions to the given http server,
// and returns the resulting handler.
func (api *API) RegisterHandlers(mux *http.ServeMux) http.Handler {
	mux.HandleFunc("/sns", HandleSESNotification(api.Database))
	mux.Handle("/submit",
		throttleHandler(time.Hour, 100, http.HandlerFunc(api.wrapper(api.submit))))
	mux.HandleFunc("/confirm", api.wrapper(api.confirm))
	mux.HandleFunc("/api/subscribers", api.auth(api.wrapper(api.subscribers)))
	mux.HandleFunc("/api/ping", pingHandler)
	return middleware(mux)
}

// Submit is the handler for /submit.
//   POST /submit
//        email: Address to subscribe to the newsletter.
//        Runs the gatekeeper checks, stores a pending subscription and
//        sends a confirmation e-mail.
//   GET /submit?email=<email>
//        Gatekeeper probe. Responds with the shield/bot verdict only.
func (api *API) submit(r *http.Request) response {
	switch r.Method {
	case http.MethodGet:
		return api.probe(r)
	case http.MethodPost:
		return api.subscribe(r)
	default:
		return response{StatusCode: http.StatusMethodNotAllowed,
			Error: "/submit only accepts POST and GET requests"}
	}
}

// probe consults the gatekeeper without touching the database. Only the
// shield and bot verdicts are reported; everything else says hello.
func (api *API) probe(r *http.Request) response {
	email := strings.ToLower(r.FormValue("email"))
	decision, err := api.Gatekeeper.Check(r, email)
	if err != nil {
		log.Printf("Gatekeeper check failed: %v", err)
		return serverError("Abuse check unavailable")
	}
	if decision.Denied() {
		switch decision.Reason {
		case gatekeeper.ReasonShield:
			return forbidden("Suspicious action detected!")
		case gatekeeper.ReasonBot:
			return forbidden("Looks like you might be a bot!")
		}
	}
	return response{StatusCode: http.StatusOK, Data: "Hello World!"}
}

func (api *API) subscribe(r *http.Request) response {
	email, err := getEmail(r)
	if err != nil {
		return badRequest(err.Error())
	}
	decision, err := api.Gatekeeper.Check(r, email)
	if err != nil {
		log.Printf("Gatekeeper check failed: %v", err)
		return serverError("Abuse check unavailable")
	}
	if decision.Denied() {
		return denialResponse(decision)
	}
	_, err = api.Database.GetSubscriber(email)
	if err == nil {
		return response{StatusCode: http.StatusConflict,
			Error: "This email has already been registered."}
	}
	if err != db.ErrNotFound {
		return serverError("Database error")
	}
	pending, err := api.Database.PutPendingSubscription(email)
	if err != nil {
		return serverError("Database error")
	}
	if err = api.Emailer.SendConfirmation(pending.Email, pending.Token); err != nil {
		log.Print(err)
		return serverError("Unable to send confirmation e-mail")
	}
	return response{StatusCode: http.StatusOK, Data: "Success"}
}

// denialResponse maps a gatekeeper denial onto a user-facing error.
func denialResponse(decision gatekeeper.Decision) response {
	switch decision.Reason {
	case gatekeeper.ReasonShield:
		return forbidden("Suspicious action detected!")
	case gatekeeper.ReasonBot:
		return forbidden("Looks like you might be a bot!")
	case gatekeeper.ReasonRateLimit:
		return response{StatusCode: http.StatusTooManyRequests,
			Error: rateLimitMessage(decision.Reset, time.Now())}
	case gatekeeper.ReasonEmail:
		return badRequest(emailDenialMessage(decision))
	default:
		return forbidden("Request denied.")
	}
}

// rateLimitMessage renders a human-readable retry hint. Times under a
// minute are reported in seconds, anything longer in rounded-up minutes.
func rateLimitMessage(reset time.Time, now time.Time) string {
	if reset.IsZero() {
		return "Too many requests. Try again later."
	}
	remaining := int(math.Ceil(reset.Sub(now).Seconds()))
	if remaining < 0 {
		remaining = 0
	}
	if remaining > 60 {
		minutes := (remaining + 59) / 60
		return fmt.Sprintf("Too many requests. Try again in %d minutes.", minutes)
	}
	return fmt.Sprintf("Too many requests. Try again in %d seconds.", remaining)
}

// emailDenialMessage picks the most specific validation failure.
// First match wins.
func emailDenialMessage(decision gatekeeper.Decision) string {
	if decision.HasEmailFlag(gatekeeper.EmailInvalid) {
		return "Invalid email format. Check your spelling."
	}
	if decision.HasEmailFlag(gatekeeper.EmailDisposable) {
		return "Disposable email address. Check your spelling."
	}
	if decision.HasEmailFlag(gatekeeper.EmailNoMXRecords) {
		return "Email without an MX record. Check your spelling."
	}
	return "Invalid email. Check your spelling."
}

// Confirm is the handler for /confirm.
//   GET /confirm?token=<token>
//        Redeems a confirmation token and redirects to the website.
func (api *API) confirm(r *http.Request) response {
	if r.Method != http.MethodGet {
		return response{StatusCode: http.StatusMethodNotAllowed,
			Error: "/confirm only accepts GET requests"}
	}
	token := r.FormValue("token")
	if token == "" {
		return badRequest("Invalid token")
	}
	email, err := api.Database.RedeemToken(token)
	if err == db.ErrNotFound {
		return badRequest("Token not found")
	}
	if err != nil {
		return serverError("Database error")
	}
	log.Printf("Confirmed subscription for %s", email)
	return response{
		StatusCode: http.StatusFound,
		redirect:   fmt.Sprintf("%s/?approved=true", api.Website),
	}
}

// subscribers is the handler for /api/subscribers.
//   GET /api/subscribers
//        Returns all confirmed subscribers. Requires API authentication.
func (api *API) subscribers(r *http.Request) response {
	if r.Method != http.MethodGet {
		return response{StatusCode: http.StatusMethodNotAllowed,
			Error: "/api/subscribers only accepts GET requests"}
	}
	subscribers, err := api.Database.GetSubscribers()
	if err != nil {
		return serverError("Database error")
	}
	return response{StatusCode: http.StatusOK, Data: subscribers}
}

// auth guards an endpoint with the shared API token.
func (api *API) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || api.APIToken == "" || pass != api.APIToken {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// getEmail extracts and normalizes the e-mail address from a submission.
// JSON bodies take {"email": "..."}; forms and query strings use an email
// parameter.
func getEmail(r *http.Request) (string, error) {
	var email string
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Email string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("could not decode request body")
		}
		email = body.Email
	} else {
		email = r.FormValue("email")
	}
	if email == "" {
		return "", fmt.Errorf("no email specified")
	}
	return util.NormalizeEmail(email)
}

// Writes the response as a JSON object to http.ResponseWriter w. If an
// error occurs, writes http.StatusInternalServerError to w.
func (api *API) writeJSON(w http.ResponseWriter, apiResponse response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiResponse.StatusCode)
	b, err := json.MarshalIndent(apiResponse, "", "  ")
	if err != nil {
		msg := fmt.Sprintf("Internal error: could not format JSON. (%s)\n", err)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", b)
}

func badRequest(format string, a ...interface{}) response {
	return response{
		StatusCode: http.StatusBadRequest,
		Error:      fmt.Sprintf(format, a...),
	}
}

func forbidden(format string, a ...interface{}) response {
	return response{
		StatusCode: http.StatusForbidden,
		Error:      fmt.Sprintf(format, a...),
	}
}

func serverError(format string, a ...interface{}) response {
	return response{
		StatusCode: http.StatusInternalServerError,
		Error:      fmt.Sprintf(format, a...),
	}
}
