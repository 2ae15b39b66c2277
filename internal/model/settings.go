package model

// Settings controls redirect behavior, filtering, dispatch and analytics for a rule.
type Settings struct {
	PreserveQueryParams bool              `json:"preserve_query_params"`
	PreserveHash        bool              `json:"preserve_hash"`
	AddTrackingParams   bool              `json:"add_tracking_params"`
	TrackingParams      map[string]string `json:"tracking_params,omitempty"` // name -> value template
	Parameters          []LinkParameter   `json:"parameters,omitempty"`

	// Delay in seconds before the visitor is forwarded. Zero means an HTTP redirect.
	Delay int `json:"delay"`

	Filters       FilterSettings `json:"filters"`
	CustomFilters []CustomFilter `json:"custom_filters,omitempty"`

	Pixels    []Pixel    `json:"pixels,omitempty"`
	Postbacks []Postback `json:"postbacks,omitempty"`

	Analytics AnalyticsSettings `json:"analytics"`

	// CEL expressions evaluated when a conversion omits value or commission.
	ConversionValueFormula string `json:"conversion_value_formula,omitempty"`
	CommissionFormula      string `json:"commission_formula,omitempty"`
}

// AnalyticsSettings toggles event recording.
type AnalyticsSettings struct {
	TrackClicks      bool `json:"track_clicks"`
	TrackConversions bool `json:"track_conversions"`
	TrackBounces     bool `json:"track_bounces"`
}

// DefaultSettings returns the settings applied to newly created rules.
func DefaultSettings() Settings {
	return Settings{
		PreserveQueryParams: true,
		Analytics: AnalyticsSettings{
			TrackClicks:      true,
			TrackConversions: true,
			TrackBounces:     true,
		},
	}
}

// FilterSettings holds the built-in filter toggles.
type FilterSettings struct {
	Geo      GeoFilter      `json:"geo"`
	Device   DeviceFilter   `json:"device"`
	Time     TimeFilter     `json:"time"`
	IP       IPFilter       `json:"ip"`
	Referrer ReferrerFilter `json:"referrer"`
}

// GeoFilter blocks by ISO country code.
type GeoFilter struct {
	Enabled          bool     `json:"enabled"`
	BlockedCountries []string `json:"blocked_countries,omitempty"`
	AllowedCountries []string `json:"allowed_countries,omitempty"`
}

// Device categories reported by visitor enrichment.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// DeviceFilter blocks by device category.
type DeviceFilter struct {
	Enabled        bool     `json:"enabled"`
	BlockedDevices []string `json:"blocked_devices,omitempty"`
}

// TimeFilter allows traffic only inside [StartHour, EndHour) on AllowedDays.
// The window wraps midnight when EndHour <= StartHour.
type TimeFilter struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	StartHour   int    `json:"start_hour"`
	EndHour     int    `json:"end_hour"`
	AllowedDays []int  `json:"allowed_days,omitempty"` // 0 = Sunday
}

// IPFilter blocks exact addresses or CIDR ranges.
type IPFilter struct {
	Enabled bool     `json:"enabled"`
	Blocked []string `json:"blocked,omitempty"`
}

// ReferrerFilter blocks referrer hosts by suffix.
type ReferrerFilter struct {
	Enabled        bool     `json:"enabled"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
	BlockEmpty     bool     `json:"block_empty"`
}

// ParameterType selects how a link parameter value is resolved.
type ParameterType string

const (
	ParamStatic    ParameterType = "STATIC"
	ParamDynamic   ParameterType = "DYNAMIC"
	ParamAffiliate ParameterType = "AFFILIATE"
	ParamOffer     ParameterType = "OFFER"
	ParamCustom    ParameterType = "CUSTOM"
)

// UnmarshalJSON rejects unknown parameter types.
func (p *ParameterType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, (*string)(p), "parameter type", func(s string) bool {
		switch ParameterType(s) {
		case ParamStatic, ParamDynamic, ParamAffiliate, ParamOffer, ParamCustom:
			return true
		}
		return false
	})
}

// LinkParameter is a query parameter appended to the outbound URL.
// Value holds the static value, the context field (DYNAMIC) or the
// placeholder formula (CUSTOM).
type LinkParameter struct {
	Name    string        `json:"name"`
	Type    ParameterType `json:"type"`
	Value   string        `json:"value,omitempty"`
	Default string        `json:"default,omitempty"`
}

// PixelPosition controls when a pixel fires.
type PixelPosition string

const (
	PixelBeforeRedirect PixelPosition = "BEFORE_REDIRECT"
	PixelAfterRedirect  PixelPosition = "AFTER_REDIRECT"
)

// UnmarshalJSON rejects unknown pixel positions.
func (p *PixelPosition) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, (*string)(p), "pixel position", func(s string) bool {
		return PixelPosition(s) == PixelBeforeRedirect || PixelPosition(s) == PixelAfterRedirect
	})
}

// Pixel is a tracking beacon fired around redirect time.
type Pixel struct {
	URL      string        `json:"url"`
	Position PixelPosition `json:"position"`
	Enabled  bool          `json:"enabled"`
}

// Postback is a server-to-server callback fired on conversion.
type Postback struct {
	URL     string `json:"url"`
	Method  string `json:"method,omitempty"` // GET (default) or POST
	Secret  string `json:"secret,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Callback is one outbound dispatch request before placeholder expansion.
type Callback struct {
	URL    string
	Method string
	Secret string
}
