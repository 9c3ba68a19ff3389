package tokenizer

import "github.com/pkg/errors"

var (
	// ErrPause may be returned by a callback to make Execute return early without failing.
	// Parsing resumes at the next byte on the following Execute.
	ErrPause = errors.New("tokenizer paused")

	ErrInvalidMethod           = errors.New("invalid method")
	ErrInvalidTarget           = errors.New("invalid request target")
	ErrInvalidVersion          = errors.New("invalid http version")
	ErrInvalidHeaderField      = errors.New("invalid header field name")
	ErrInvalidHeaderValue      = errors.New("invalid header field value")
	ErrObsoleteLineFolding     = errors.New("obsolete line folding is not supported")
	ErrLFExpected              = errors.New("LF expected")
	ErrHeaderTooLarge          = errors.New("header section too large")
	ErrInvalidContentLength    = errors.New("invalid content-length")
	ErrAmbiguousLength         = errors.New("both content-length and transfer-encoding present")
	ErrUnsupportedTransferCode = errors.New("transfer-encoding without final chunked coding")
	ErrInvalidChunkSize        = errors.New("invalid chunk size")
	ErrInvalidChunkDelimiter   = errors.New("invalid chunk delimiter")
)
