package api

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"os"

	raven "github.com/getsentry/raven-go"

	"github.com/lettergate/lettergate-backend/db"
	"github.com/lettergate/lettergate-backend/email"
)

type ravenExtraContent string

// Class satisfies raven's Interface interface so we can send this as extra context.
// https://github.com/getsentry/raven-go/issues/125
func (r ravenExtraContent) Class() string {
	return "extra"
}

func (r ravenExtraContent) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}

// HandleSESNotification handles AWS SES bounces and complaints submitted to
// a webhook via AWS SNS (Simple Notification Service). Addresses that
// bounce or complain are blacklisted so we stop sending confirmation mail
// to them.
// The SNS webhook is configured to include a secret API key stored in the
// environment.
func HandleSESNotification(database db.Database) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		keyParam := r.URL.Query()["amazon_authorize_key"]
		if len(keyParam) == 0 || keyParam[0] != os.Getenv("AMAZON_AUTHORIZE_KEY") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, err := ioutil.ReadAll(r.Body)
		if err != nil {
			raven.CaptureError(err, nil)
			return
		}

		data := &email.BlacklistRequest{}
		err = json.Unmarshal(body, data)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			raven.CaptureError(err, nil, ravenExtraContent(body))
			return
		}

		tags := map[string]string{"notification_type": data.Reason}
		raven.CaptureMessage("Received SES notification", tags, ravenExtraContent(data.Raw))

		for _, recipient := range data.Recipients {
			err = database.PutBlacklistedEmail(recipient.EmailAddress, data.Reason, data.Timestamp)
			if err != nil {
				raven.CaptureError(err, nil)
			}
		}

		w.WriteHeader(http.StatusOK)
	}
}
