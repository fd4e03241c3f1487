// Package attributes collects the targeting attributes of a storefront request.
package attributes

import "net/http"

// Attribute names understood by the datafile.
const (
	Cookie      = "bbCookie"
	BrowserType = "browser_type"
	QueryParam  = "query_param"
)

// Set maps attribute names to values. A missing signal is an empty string,
// never an absent key.
type Set map[string]string

// Collector reads attributes from requests.
type Collector struct {
	CookieName   string // cookie read into bbCookie
	DeviceHeader string // header carrying the device name; User-Agent if absent
	QueryParam   string // query parameter read into query_param
}

// NewCollector returns a Collector with the storefront defaults.
func NewCollector() Collector {
	return Collector{
		CookieName:   "bbCookie",
		DeviceHeader: "X-Device-Name",
		QueryParam:   "test",
	}
}

// Collect returns the full attribute set used for flag evaluation.
func (c Collector) Collect(r *http.Request) Set {
	return Set{
		Cookie:      c.cookie(r),
		BrowserType: c.device(r),
		QueryParam:  r.URL.Query().Get(c.QueryParam),
	}
}

// CollectPurchase returns the reduced set sent with purchase events.
func (c Collector) CollectPurchase(r *http.Request) Set {
	return Set{
		Cookie:      c.cookie(r),
		BrowserType: c.device(r),
	}
}

func (c Collector) cookie(r *http.Request) string {
	ck, err := r.Cookie(c.CookieName)
	if err != nil {
		return ""
	}
	return ck.Value
}

func (c Collector) device(r *http.Request) string {
	if c.DeviceHeader != "" {
		if v := r.Header.Get(c.DeviceHeader); v != "" {
			return v
		}
	}
	return r.UserAgent()
}
