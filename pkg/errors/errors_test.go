package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Message(t *testing.T) {
	err := Wrap(context.Canceled, ErrCodeArchiveWrite, "add file to archive").
		WithOp("Batch.Process").
		WithField("file", "a.sql").
		Err()

	if got := err.Error(); got != "E6004: add file to archive: context canceled" {
		t.Errorf("unexpected message: %s", got)
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Error("expected cause to be reachable with errors.Is")
	}
	if GetCode(err) != ErrCodeArchiveWrite {
		t.Errorf("expected code %s, got %s", ErrCodeArchiveWrite, GetCode(err))
	}
	if GetFields(err)["file"] != "a.sql" {
		t.Errorf("expected file field, got %v", GetFields(err))
	}
}

func TestError_WrappedWithFmt(t *testing.T) {
	inner := MalformedEncoding("upload report.sql").Err()
	outer := fmt.Errorf("batch: %w", inner)

	if !IsCode(outer, ErrCodeMalformedEncoding) {
		t.Errorf("expected code to survive fmt wrapping, got %s", GetCode(outer))
	}
	if !IsCategory(outer, "translation") {
		t.Errorf("expected translation category, got %s", GetCode(outer).Category())
	}
}

func TestCode_Category(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{ErrCodeConfigParse, "configuration"},
		{ErrCodeBadRequest, "transport"},
		{ErrCodeMappingParse, "mapping"},
		{ErrCodeMalformedEncoding, "translation"},
		{ErrCodeStorageQuery, "storage"},
		{ErrCodeArchiveUpload, "batch"},
		{ErrCodeInternal, "internal"},
		{Code(7001), "unknown"},
	}

	for _, tc := range tests {
		if got := tc.code.Category(); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.code, tc.want, got)
		}
	}
}

func TestError_DetailedFormat(t *testing.T) {
	err := Internal("unexpected state").WithField("stage", "split-or").Build()
	out := fmt.Sprintf("%+v", err)

	for _, want := range []string{"[critical]", "E9001", "stage: split-or"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in detailed output:\n%s", want, out)
		}
	}
	if len(err.Stack) == 0 {
		t.Error("expected captured stack")
	}
	if GetCode(stderrors.New("plain")) != ErrCodeInternal {
		t.Error("expected plain errors to map to internal")
	}
}
