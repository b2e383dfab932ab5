package report

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/expensio/expensio/internal/blob"
	"github.com/expensio/expensio/internal/config"
	apperrors "github.com/expensio/expensio/internal/errors"
	"github.com/expensio/expensio/internal/ledger"
)

type fakeBlobs struct {
	stored map[string]blob.Payload
	errs   map[string]error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{stored: map[string]blob.Payload{}, errs: map[string]error{}}
}

func (f *fakeBlobs) Get(key string) (blob.Payload, bool, error) {
	if err, ok := f.errs[key]; ok {
		return blob.Payload{}, false, err
	}
	p, ok := f.stored[key]
	return p, ok, nil
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 60, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 60; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(y * 3), B: uint8(x * 4), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 200, 80))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testIdentity() config.ReportConfig {
	return config.ReportConfig{
		Organization: "Acme Field Services",
		Address:      "12 Rizal Ave, Manila",
		Title:        "Expense Liquidation Report",
	}
}

func signedMetadata(blobs *fakeBlobs, received float64, t *testing.T) ledger.Metadata {
	blobs.stored["signature/1"] = blob.Payload{Data: testPNG(t), ContentType: "image/png"}
	return ledger.Metadata{
		Claimant:       "Juan Cruz",
		ApproverName:   "Maria Santos",
		Purpose:        "Site inspection",
		PeriodLabel:    "August 2026",
		ReceivedAmount: received,
		SignatureRef:   "signature/1",
	}
}

func entryWithReceipt(blobs *fakeBlobs, title string, amount float64, data []byte, mime string) ledger.Entry {
	id := uuid.New().String()
	ref := "receipt/" + id
	if data != nil {
		blobs.stored[ref] = blob.Payload{Data: data, ContentType: mime}
	}
	return ledger.Entry{
		ID:         id,
		Title:      title,
		Date:       "2026-08-10",
		Amount:     amount,
		Currency:   "PHP",
		Category:   ledger.CategoryMeals,
		ReceiptRef: ref,
	}
}

func TestAssemble_RefusesEmptyLedger(t *testing.T) {
	a := New(newFakeBlobs(), zap.NewNop())

	_, err := a.Assemble(nil, ledger.Metadata{SignatureRef: "signature/1"}, testIdentity())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrEmptyLedger.Code, apperrors.GetCode(err))
}

func TestAssemble_RefusesMissingSignature(t *testing.T) {
	blobs := newFakeBlobs()
	a := New(blobs, zap.NewNop())
	entries := []ledger.Entry{entryWithReceipt(blobs, "Lunch", 250, testJPEG(t), "image/jpeg")}

	_, err := a.Assemble(entries, ledger.Metadata{Claimant: "Juan Cruz"}, testIdentity())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrNoSignature.Code, apperrors.GetCode(err))
}

func TestAssemble_OneAppendixRecordPerEntry(t *testing.T) {
	blobs := newFakeBlobs()
	a := New(blobs, zap.NewNop())

	jpegData := testJPEG(t)
	var entries []ledger.Entry
	for i := 0; i < 7; i++ {
		entries = append(entries, entryWithReceipt(blobs, fmt.Sprintf("Expense %d", i+1), 100, jpegData, "image/jpeg"))
	}

	doc, err := a.Assemble(entries, signedMetadata(blobs, 1000, t), testIdentity())
	require.NoError(t, err)

	assert.Equal(t, len(entries), doc.Appendix.Images+doc.Appendix.Placeholders)
	assert.Equal(t, len(entries), doc.Appendix.Images)
	assert.True(t, bytes.HasPrefix(doc.Bytes, []byte("%PDF")))
}

func TestAssemble_BadImageDegradesToPlaceholder(t *testing.T) {
	blobs := newFakeBlobs()
	a := New(blobs, zap.NewNop())

	entries := []ledger.Entry{
		entryWithReceipt(blobs, "Good receipt", 100, testJPEG(t), "image/jpeg"),
		entryWithReceipt(blobs, "Corrupt receipt", 200, []byte("definitely not a jpeg"), "image/jpeg"),
		entryWithReceipt(blobs, "Missing receipt", 300, nil, "image/jpeg"),
	}

	doc, err := a.Assemble(entries, signedMetadata(blobs, 1000, t), testIdentity())
	require.NoError(t, err, "bad entries must not fail the export")

	assert.Equal(t, 1, doc.Appendix.Images)
	assert.Equal(t, 2, doc.Appendix.Placeholders)
}

func TestAssemble_BlobReadErrorIsIsolated(t *testing.T) {
	blobs := newFakeBlobs()
	a := New(blobs, zap.NewNop())

	broken := entryWithReceipt(blobs, "Broken store", 50, nil, "image/jpeg")
	blobs.errs[broken.ReceiptRef] = assert.AnError
	entries := []ledger.Entry{
		entryWithReceipt(blobs, "Fine", 100, testJPEG(t), "image/jpeg"),
		broken,
	}

	doc, err := a.Assemble(entries, signedMetadata(blobs, 500, t), testIdentity())
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Appendix.Placeholders)
}

func TestAssemble_FilenameFromClaimantAndDate(t *testing.T) {
	blobs := newFakeBlobs()
	a := New(blobs, zap.NewNop())
	entries := []ledger.Entry{entryWithReceipt(blobs, "Lunch", 250, testJPEG(t), "image/jpeg")}

	doc, err := a.Assemble(entries, signedMetadata(blobs, 1000, t), testIdentity())
	require.NoError(t, err)
	assert.Regexp(t, `^liquidation-juan-cruz-\d{4}-\d{2}-\d{2}\.pdf$`, doc.Filename)
}

func TestComputeTotals_ShortageAndSurplus(t *testing.T) {
	entries := []ledger.Entry{{Amount: 700}, {Amount: 500}}

	shortage := ComputeTotals(entries, ledger.Metadata{ReceivedAmount: 1000})
	assert.Equal(t, 1200.0, shortage.Spent)
	assert.Equal(t, -200.0, shortage.Balance)

	surplus := ComputeTotals(entries, ledger.Metadata{ReceivedAmount: 1400})
	assert.Equal(t, 200.0, surplus.Balance)
}

func TestBalanceLabel(t *testing.T) {
	assert.Equal(t, "Shortage (for reimbursement)", balanceLabel(-200))
	assert.Equal(t, "Surplus (for return)", balanceLabel(200))
	assert.Equal(t, "Surplus (for return)", balanceLabel(0))
}

func TestAssemble_LongEntryTableSpansPages(t *testing.T) {
	blobs := newFakeBlobs()
	a := New(blobs, zap.NewNop())

	// Enough rows to overflow the landscape summary page several times. The
	// table adds its continuation pages explicitly, so the export must not
	// truncate or fail.
	var entries []ledger.Entry
	for i := 0; i < 60; i++ {
		entries = append(entries, entryWithReceipt(blobs, fmt.Sprintf("Row %d", i+1), 10, nil, "image/jpeg"))
	}

	doc, err := a.Assemble(entries, signedMetadata(blobs, 600, t), testIdentity())
	require.NoError(t, err)
	assert.Equal(t, 60, doc.Appendix.Images+doc.Appendix.Placeholders)
	assert.True(t, bytes.HasPrefix(doc.Bytes, []byte("%PDF")))
}

func TestAssemble_ManyEntriesSpanAppendixPages(t *testing.T) {
	blobs := newFakeBlobs()
	a := New(blobs, zap.NewNop())

	jpegData := testJPEG(t)
	var entries []ledger.Entry
	for i := 0; i < 12; i++ {
		entries = append(entries, entryWithReceipt(blobs, fmt.Sprintf("Day %d", i+1), 80, jpegData, "image/jpeg"))
	}

	doc, err := a.Assemble(entries, signedMetadata(blobs, 2000, t), testIdentity())
	require.NoError(t, err)
	assert.Equal(t, 12, doc.Appendix.Images)
	// A 12 image appendix cannot fit one portrait page; the document grows.
	assert.Greater(t, len(doc.Bytes), 10000)
}
