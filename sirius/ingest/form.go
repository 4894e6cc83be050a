package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

const maxFieldBytes = 1 << 20

var errTooLarge = errors.New("upload exceeds the size limit")

// form is the parsed multipart upload. The archive itself is spooled to
// TempPath while its size and digest are computed.
type form struct {
	Project        string
	ProjectName    string
	Profile        string
	ModelTier      string
	CustomRules    []string
	DoubleCheck    *models.DoubleCheckRequest
	DeepCodeVision bool

	FileName string
	TempPath string
	Size     int64
	SHA256   string
}

func (f *form) cleanup() {
	if f.TempPath != "" {
		os.Remove(f.TempPath)
	}
}

// parseForm streams the multipart body part by part; nothing but the small
// text fields is held in memory.
func parseForm(body io.Reader, contentType, tmpDir string, maxBytes int64) (*form, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("content type %q is not multipart", contentType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart boundary missing")
	}

	f := &form{}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.cleanup()
			return nil, fmt.Errorf("read multipart: %w", err)
		}

		name := part.FormName()
		if name == "file" {
			if f.TempPath != "" {
				part.Close()
				f.cleanup()
				return nil, errors.New("more than one file part")
			}
			if err := f.spool(part, tmpDir, maxBytes); err != nil {
				part.Close()
				f.cleanup()
				return nil, err
			}
			part.Close()
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		part.Close()
		if err != nil {
			f.cleanup()
			return nil, fmt.Errorf("read field %s: %w", name, err)
		}
		if len(value) > maxFieldBytes {
			f.cleanup()
			return nil, fmt.Errorf("field %s too large", name)
		}
		if err := f.setField(name, strings.TrimSpace(string(value))); err != nil {
			f.cleanup()
			return nil, err
		}
	}

	if f.TempPath == "" {
		return nil, errors.New("file part missing")
	}
	return f, nil
}

func (f *form) spool(part *multipart.Part, tmpDir string, maxBytes int64) error {
	f.FileName = filepath.Base(filepath.Clean("/" + part.FileName()))
	if f.FileName == "/" || f.FileName == "." {
		f.FileName = "upload"
	}

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	tmp, err := os.CreateTemp(tmpDir, "upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	f.TempPath = tmp.Name()

	h := sha256.New()
	src := io.Reader(part)
	if maxBytes > 0 {
		src = io.LimitReader(part, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("spool upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return errTooLarge
	}
	if n == 0 {
		return errors.New("file part is empty")
	}
	f.Size = n
	f.SHA256 = hex.EncodeToString(h.Sum(nil))
	return nil
}

func (f *form) setField(name, value string) error {
	switch name {
	case "project":
		f.Project = value
	case "project_name":
		f.ProjectName = value
	case "profile":
		f.Profile = value
	case "model_tier":
		f.ModelTier = value
	case "deep_code_vision":
		if value == "" {
			return nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("deep_code_vision: %w", err)
		}
		f.DeepCodeVision = b
	case "custom_rules":
		if value == "" {
			return nil
		}
		var rules []string
		if err := json.Unmarshal([]byte(value), &rules); err != nil {
			return fmt.Errorf("custom_rules must be a JSON list of strings: %w", err)
		}
		for _, r := range rules {
			if r = strings.TrimSpace(r); r != "" {
				f.CustomRules = append(f.CustomRules, r)
			}
		}
	case "double_check":
		if value == "" {
			return nil
		}
		var dc models.DoubleCheckRequest
		if err := json.Unmarshal([]byte(value), &dc); err != nil {
			return fmt.Errorf("double_check: %w", err)
		}
		if dc.Tier == "" || dc.MaxFindings <= 0 {
			return errors.New("double_check needs a tier and a positive max_findings")
		}
		f.DoubleCheck = &dc
	}
	return nil
}
