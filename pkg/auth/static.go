package auth

import (
	"net/http"
	"strings"
)

// Static serves fixed credentials, e.g. a session id obtained elsewhere.
type Static struct {
	AccessToken string
	InstanceURL string
	Version     string
}

// Headers returns the headers for an authenticated JSON request.
func (s Static) Headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.AccessToken)
	h.Set("Content-Type", "application/json")
	return h
}

// BaseURL returns the instance URL.
func (s Static) BaseURL() string { return s.InstanceURL }

// APIVersion returns the API version.
func (s Static) APIVersion() string { return s.Version }

// Credentials is satisfied by Provider and Static.
type Credentials interface {
	Headers() http.Header
	BaseURL() string
	APIVersion() string
}

var (
	_ Credentials = (*Provider)(nil)
	_ Credentials = Static{}
)

// DataURL joins elem onto the REST data root of the credentials' instance,
// e.g. https://acme.my.salesforce.com/services/data/v52.0/jobs/query.
func DataURL(c Credentials, elem ...string) string {
	return c.BaseURL() + "/services/data/" + c.APIVersion() + "/" + strings.Join(elem, "/")
}
