package bodyparsing

import (
	"bytes"
	"io"
	"mime/multipart"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// parseMultipartBody reads each form part into one field store entry keyed
// by the part's form field name. The body is already size-bounded by the
// incremental front end, so whole parts can be buffered.
func parseMultipartBody(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, boundary string, body []byte) (err error) {
	if boundary == "" {
		return &DecodingError{Actual: "multipart body without boundary", Expected: "multipart"}
	}

	r := multipart.NewReader(bytes.NewReader(body), boundary)
	var buf bytes.Buffer
	for {
		var part *multipart.Part
		part, err = r.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &DecodingError{Actual: err.Error(), Expected: "multipart"}
		}

		name := part.FormName()
		if name == "" {
			name = part.FileName()
		}

		buf.Reset()
		if _, err = buf.ReadFrom(part); err != nil {
			return &DecodingError{Actual: err.Error(), Expected: "multipart"}
		}

		addField(store, profile, name, buf.String())
	}
}
