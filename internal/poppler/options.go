package poppler

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ErrInvalidOption signals an unknown option name or a value of the wrong type.
var ErrInvalidOption = errors.New("invalid pdftohtml option")

// Options are the pdftohtml switches this service knows how to pass.
// Zero values mean "not set".
type Options struct {
	ComplexOutput      bool
	SinglePage         bool
	ExchangePDFLinks   bool
	ExtractHidden      bool
	IgnoreImages       bool
	NoDRM              bool
	NoMergeParagraph   bool
	FirstPage          int
	LastPage           int
	ImageFormat        string
	OutputEncoding     string
	OwnerPassword      string
	UserPassword       string
	WordBreakThreshold float64
	Zoom               float64
}

// OptionsFromMap builds Options from option names as used in query strings
// and config files (e.g. firstPageToConvert).
func OptionsFromMap(m map[string]any) (Options, error) {
	var o Options

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		var err error
		switch k {
		case "complexOutput":
			o.ComplexOutput, err = asBool(k, v)
		case "singlePage":
			o.SinglePage, err = asBool(k, v)
		case "exchangePdfLinks":
			o.ExchangePDFLinks, err = asBool(k, v)
		case "extractHidden":
			o.ExtractHidden, err = asBool(k, v)
		case "ignoreImages":
			o.IgnoreImages, err = asBool(k, v)
		case "noDrm":
			o.NoDRM, err = asBool(k, v)
		case "noMergeParagraph":
			o.NoMergeParagraph, err = asBool(k, v)
		case "firstPageToConvert":
			o.FirstPage, err = asPage(k, v)
		case "lastPageToConvert":
			o.LastPage, err = asPage(k, v)
		case "imageFormat":
			o.ImageFormat, err = asString(k, v)
			if err == nil && o.ImageFormat != "PNG" && o.ImageFormat != "JPG" {
				err = fmt.Errorf("%w: imageFormat must be PNG or JPG", ErrInvalidOption)
			}
		case "outputEncoding":
			o.OutputEncoding, err = asString(k, v)
		case "ownerPassword":
			o.OwnerPassword, err = asString(k, v)
		case "userPassword":
			o.UserPassword, err = asString(k, v)
		case "wordBreakThreshold":
			o.WordBreakThreshold, err = asNumber(k, v)
		case "zoom":
			o.Zoom, err = asNumber(k, v)
		default:
			err = fmt.Errorf("%w: unknown option %q", ErrInvalidOption, k)
		}
		if err != nil {
			return Options{}, err
		}
	}

	if o.FirstPage > 0 && o.LastPage > 0 && o.LastPage < o.FirstPage {
		return Options{}, fmt.Errorf("%w: lastPageToConvert is before firstPageToConvert", ErrInvalidOption)
	}
	return o, nil
}

// Args renders o as pdftohtml command-line arguments in a fixed order.
func (o Options) Args() []string {
	var args []string
	flag := func(set bool, name string) {
		if set {
			args = append(args, name)
		}
	}

	flag(o.ComplexOutput, "-c")
	flag(o.SinglePage, "-s")
	flag(o.ExchangePDFLinks, "-p")
	flag(o.ExtractHidden, "-hidden")
	flag(o.IgnoreImages, "-i")
	flag(o.NoDRM, "-nodrm")
	flag(o.NoMergeParagraph, "-nomerge")
	if o.FirstPage > 0 {
		args = append(args, "-f", strconv.Itoa(o.FirstPage))
	}
	if o.LastPage > 0 {
		args = append(args, "-l", strconv.Itoa(o.LastPage))
	}
	if o.ImageFormat != "" {
		args = append(args, "-fmt", o.ImageFormat)
	}
	if o.OutputEncoding != "" {
		args = append(args, "-enc", o.OutputEncoding)
	}
	if o.OwnerPassword != "" {
		args = append(args, "-opw", o.OwnerPassword)
	}
	if o.UserPassword != "" {
		args = append(args, "-upw", o.UserPassword)
	}
	if o.WordBreakThreshold > 0 {
		args = append(args, "-wbt", formatNumber(o.WordBreakThreshold))
	}
	if o.Zoom > 0 {
		args = append(args, "-zoom", formatNumber(o.Zoom))
	}
	return args
}

func asBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidOption, key)
	}
	return b, nil
}

func asNumber(key string, v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidOption, key)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidOption, key)
	}
	return f, nil
}

func asPage(key string, v any) (int, error) {
	f, err := asNumber(key, v)
	if err != nil {
		return 0, err
	}
	if f < 1 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidOption, key)
	}
	if f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidOption, key)
	}
	return int(f), nil
}

// asString rejects numbers: formatting them again would not give back the
// text the caller wrote (007, 1e3).
func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidOption, key)
	}
	return s, nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
