// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindInvalidPolicy, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindServiceError, "failed to validate")
	if wrapped.Error() != "failed to validate: invalid input" {
		t.Errorf("expected 'failed to validate: invalid input', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindInvalidPolicy, "invalid input")
	if GetKind(err) != KindInvalidPolicy {
		t.Errorf("expected KindInvalidPolicy, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindServiceError, "failed")
	if GetKind(wrapped) != KindServiceError {
		t.Errorf("expected KindServiceError, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindInvalidPolicy, "invalid input")
	err = Attr(err, "field", "port")
	err = Attr(err, "value", 80)

	attrs := GetAttributes(err)
	if attrs["field"] != "port" {
		t.Errorf("expected port, got %v", attrs["field"])
	}
	if attrs["value"] != 80 {
		t.Errorf("expected 80, got %v", attrs["value"])
	}

	wrapped := Wrap(err, KindServiceError, "failed")
	wrapped = Attr(wrapped, "operation", "apply")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["field"] != "port" || allAttrs["operation"] != "apply" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

func TestWfpErr(t *testing.T) {
	err := WfpErr(0x80320001, "add filter failed")
	if GetKind(err) != KindWfpError {
		t.Errorf("expected KindWfpError, got %v", GetKind(err))
	}
	code, ok := WfpCode(err)
	if !ok || code != 0x80320001 {
		t.Errorf("expected preserved wfp code, got %v ok=%v", code, ok)
	}
}
