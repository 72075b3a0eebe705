package preview

import "net/url"

// HandoffConfig describes how device hand-off URLs are built.
type HandoffConfig struct {
	BaseURL    string // device-preview launcher, e.g. https://snack.expo.dev
	Platform   string
	SDKVersion string
	Theme      string
}

// HandoffURL builds the launcher URL that hands the bundled code off to a
// device, embedding the preview protocol parameters.
func HandoffURL(cfg HandoffConfig, name, code string) string {
	params := url.Values{}
	params.Set("name", name)
	params.Set("platform", cfg.Platform)
	params.Set("sdkVersion", cfg.SDKVersion)
	params.Set("theme", cfg.Theme)
	params.Set("code", code)
	return cfg.BaseURL + "?" + params.Encode()
}

// QRCodeURL returns a public QR endpoint URL rendering data as a 200x200
// code.
func QRCodeURL(data string) string {
	return "https://api.qrserver.com/v1/create-qr-code/?size=200x200&data=" + url.QueryEscape(data)
}
