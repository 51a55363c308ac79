package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// MimeType returns image/<format>.
func (f Format) MimeType() string { return "image/" + string(f) }

func (f Format) Ext() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return "." + string(f)
}

// NormalizeFormat lower-cases the format name and folds jpg into jpeg.
func NormalizeFormat(s string) Format {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "jpg" {
		return FormatJPEG
	}
	return Format(s)
}

// DefaultQuality applies to operations that carry no explicit quality.
const DefaultQuality = 90

// Operation is one of Resize, Compress or Upscale.
type Operation interface {
	Kind() OperationKind
	OutputFormat() Format
	// Quality is the encode quality in [1,100].
	Quality() int
	operation()
}

type Output struct {
	Format Format `json:"format" validate:"required,oneof=jpeg png webp"`
	// accepted as an alias of format on input
	Alias Format `json:"outputFormat,omitempty" validate:"-"`
}

func (o Output) OutputFormat() Format { return o.Format }

func (o *Output) normalize() {
	if o.Format == "" {
		o.Format = o.Alias
	}
	o.Format = NormalizeFormat(string(o.Format))
	o.Alias = ""
}

type Resize struct {
	Width               *int `json:"width,omitempty" validate:"omitempty,gt=0,lte=10000"`
	Height              *int `json:"height,omitempty" validate:"omitempty,gt=0,lte=10000"`
	MaintainAspectRatio bool `json:"maintainAspectRatio"`
	Level               *int `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
	Output
}

func (Resize) Kind() OperationKind { return OpResize }
func (r Resize) Quality() int      { return qualityOrDefault(r.Level) }
func (Resize) operation()          {}

type Compress struct {
	Level int `json:"quality" validate:"required,min=1,max=100"`
	Output
}

func (Compress) Kind() OperationKind { return OpCompress }
func (c Compress) Quality() int      { return c.Level }
func (Compress) operation()          {}

type Upscale struct {
	Scale float64 `json:"scale" validate:"required,gt=1,lte=8"`
	Level *int    `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
	Output
}

func (Upscale) Kind() OperationKind { return OpUpscale }
func (u Upscale) Quality() int      { return qualityOrDefault(u.Level) }
func (Upscale) operation()          {}

func qualityOrDefault(level *int) int {
	if level == nil {
		return DefaultQuality
	}
	return *level
}

var validate = validator.New()

// ParseOperation decodes raw params into the variant named by kind and
// validates it. All failures are KindValidation.
func ParseOperation(kind string, raw json.RawMessage) (Operation, error) {
	const op = "models.ParseOperation"

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, Errorf(KindValidation, op, "missing params")
	}

	var (
		parsed Operation
		err    error
	)
	switch OperationKind(strings.ToLower(strings.TrimSpace(kind))) {
	case OpResize:
		var r Resize
		if err = json.Unmarshal(raw, &r); err == nil {
			r.normalize()
			err = validate.Struct(r)
		}
		if err == nil && r.Width == nil && r.Height == nil {
			err = fmt.Errorf("resize needs width or height")
		}
		parsed = r
	case OpCompress:
		var c Compress
		if err = json.Unmarshal(raw, &c); err == nil {
			c.normalize()
			err = validate.Struct(c)
		}
		parsed = c
	case OpUpscale:
		var u Upscale
		if err = json.Unmarshal(raw, &u); err == nil {
			u.normalize()
			err = validate.Struct(u)
		}
		parsed = u
	default:
		return nil, Errorf(KindValidation, op, "unknown operation %q", kind)
	}
	if err != nil {
		return nil, NewError(KindValidation, op, err)
	}
	return parsed, nil
}

// MarshalParams serializes the operation parameters as recorded on the image.
func MarshalParams(o Operation) (json.RawMessage, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("models.MarshalParams: %w", err)
	}
	return b, nil
}
