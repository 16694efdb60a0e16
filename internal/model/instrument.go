package model

// Segment is the broker's exchange segment used to route quote and order requests.
type Segment string

const (
	SegmentNSEFNO Segment = "NSE_FNO"
	SegmentBSEFNO Segment = "BSE_FNO"
)

// ProductType is the broker product category of a position.
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductCNC      ProductType = "CNC"
	ProductMargin   ProductType = "MARGIN"
)

// OptionRight is CALL or PUT for option contracts, empty otherwise.
type OptionRight string

const (
	OptionCall OptionRight = "CALL"
	OptionPut  OptionRight = "PUT"
)

// IsOption reports whether r names an option right.
func (r OptionRight) IsOption() bool {
	return r == OptionCall || r == OptionPut
}

// InstrumentKey identifies a position (and its quote) at the broker.
type InstrumentKey struct {
	Segment    Segment `json:"segment"`
	SecurityID string  `json:"security_id"`
}

// String returns "segment:securityID".
func (k InstrumentKey) String() string {
	return string(k.Segment) + ":" + k.SecurityID
}
