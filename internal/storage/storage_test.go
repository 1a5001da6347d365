package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/logging"
	"github.com/snellie/receipt-gateway/internal/receipt"
)

func TestStorage(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Storage Suite")
}

func pngFixture(w, h int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

// oversizedPNG rewrites a tiny PNG's IHDR to declare w x h pixels, so only
// the header claims the size.
func oversizedPNG(w, h uint32) []byte {
	data := pngFixture(1, 1, color.White)
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

type putCall struct {
	key         string
	body        []byte
	contentType string
}

type memoryStore struct {
	calls []putCall
	errAt map[string]error
}

func (m *memoryStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	m.calls = append(m.calls, putCall{key: key, body: body, contentType: contentType})
	return m.errAt[key]
}

var _ = Describe("Sink", func() {
	var (
		store      *memoryStore
		sink       *Sink
		filename   string
		upload     []byte
		prediction *receipt.Prediction
		err        error
	)

	BeforeEach(func() {
		store = &memoryStore{errAt: map[string]error{}}
		sink = NewSink(store, Compression{Quality: 50}, zap.NewNop())
		filename = "receipt.png"
		upload = pngFixture(8, 4, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
		prediction = &receipt.Prediction{
			ImageID:     "receipt.png",
			LineItems:   []receipt.LineItem{{"description": "Milk"}},
			TotalAmount: json.Number("12.50"),
		}
	})

	JustBeforeEach(func() {
		err = sink.Save(context.Background(), filename, upload, "image/png", prediction)
	})

	When("both writes succeed", func() {
		It("writes the prediction then the compressed image", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(store.calls).To(HaveLen(2))

			Expect(store.calls[0].key).To(Equal("predictions/receipt.png.json"))
			Expect(store.calls[0].contentType).To(Equal("application/json"))
			Expect(string(store.calls[0].body)).To(MatchJSON(`{"image_id":"receipt.png","line_items":[{"description":"Milk"}],"total_amount":12.50}`))

			Expect(store.calls[1].key).To(Equal("compressed/receipt.png"))
			Expect(store.calls[1].contentType).To(Equal("image/jpeg"))
			decoded, derr := jpeg.Decode(bytes.NewReader(store.calls[1].body))
			Expect(derr).NotTo(HaveOccurred())
			Expect(decoded.Bounds().Dx()).To(Equal(8))
			Expect(decoded.Bounds().Dy()).To(Equal(4))
		})
	})

	When("the filename carries directories", func() {
		BeforeEach(func() {
			filename = `..\..\etc/receipt.png`
		})

		It("keys by the base name", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(store.calls[0].key).To(Equal("predictions/receipt.png.json"))
			Expect(store.calls[1].key).To(Equal("compressed/receipt.png"))
		})
	})

	When("the image write fails", func() {
		BeforeEach(func() {
			store.errAt["compressed/receipt.png"] = errors.New("bucket gone")
		})

		It("keeps the prediction write and reports the failure", func() {
			Expect(store.calls).To(HaveLen(2))
			var opErr *logging.OperationError
			Expect(errors.As(err, &opErr)).To(BeTrue())
			Expect(opErr.Operation).To(Equal("storage.put_compressed"))
		})
	})

	When("the prediction write fails", func() {
		BeforeEach(func() {
			store.errAt["predictions/receipt.png.json"] = errors.New("denied")
		})

		It("does not attempt the image", func() {
			Expect(store.calls).To(HaveLen(1))
			Expect(err).To(MatchError(ContainSubstring("storage.put_prediction")))
		})
	})

	When("the image cannot be decoded", func() {
		BeforeEach(func() {
			upload = []byte("definitely not an image")
		})

		It("fails after the prediction write", func() {
			Expect(store.calls).To(HaveLen(1))
			Expect(err).To(MatchError(ContainSubstring("storage.compress_image")))
		})
	})

	When("the image header declares too many pixels", func() {
		BeforeEach(func() {
			upload = oversizedPNG(100_000, 100_000)
		})

		It("rejects it without decoding", func() {
			Expect(store.calls).To(HaveLen(1))
			Expect(err).To(MatchError(ErrImageTooLarge))
			Expect(err).To(MatchError(ContainSubstring("storage.compress_image")))
		})
	})
})

var _ = Describe("Compression", func() {
	It("downscales the longer edge", func() {
		out, err := Compression{Quality: 80, MaxDimension: 10}.Compress(pngFixture(40, 20, color.White), "image/png")
		Expect(err).NotTo(HaveOccurred())
		img, err := jpeg.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Bounds().Dx()).To(Equal(10))
		Expect(img.Bounds().Dy()).To(Equal(5))
	})

	It("rejects images above the pixel cap", func() {
		_, err := Compression{MaxPixels: 10}.Compress(pngFixture(8, 8, color.White), "image/png")
		Expect(err).To(MatchError(ErrImageTooLarge))
		Expect(err).To(MatchError(ContainSubstring("8x8")))
	})

	It("accepts images at the pixel cap", func() {
		_, err := Compression{MaxPixels: 64}.Compress(pngFixture(8, 8, color.White), "image/png")
		Expect(err).NotTo(HaveOccurred())
	})

	It("checks the declared size against the default cap", func() {
		_, err := Compression{}.Compress(oversizedPNG(20_000, 20_000), "image/png")
		Expect(err).To(MatchError(ErrImageTooLarge))
	})

	It("flattens transparency onto white", func() {
		out, err := Compression{}.Compress(pngFixture(4, 4, color.NRGBA{}), "image/png")
		Expect(err).NotTo(HaveOccurred())
		img, err := jpeg.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		r, g, b, _ := img.At(1, 1).RGBA()
		Expect(r >> 8).To(BeNumerically(">", 240))
		Expect(g >> 8).To(BeNumerically(">", 240))
		Expect(b >> 8).To(BeNumerically(">", 240))
	})

	DescribeTable("detects HEIC",
		func(data []byte, contentType string, want bool) {
			Expect(isHEIC(data, contentType)).To(Equal(want))
		},
		Entry("by mime type", nil, "image/HEIC", true),
		Entry("by brand", []byte("\x00\x00\x00\x18ftypheic0000"), "application/octet-stream", true),
		Entry("jpeg", []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01"), "image/jpeg", false),
	)
})

var _ = Describe("BoltStore", func() {
	var store *BoltStore

	BeforeEach(func() {
		var err error
		store, err = NewBoltStore(filepath.Join(GinkgoT().TempDir(), "objects.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)
	})

	It("round-trips objects with their content type", func() {
		Expect(store.Put(context.Background(), "predictions/a.json", []byte(`{}`), "application/json")).To(Succeed())

		data, contentType, err := store.Get("predictions/a.json")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal(`{}`))
		Expect(contentType).To(Equal("application/json"))
	})

	It("reports missing keys", func() {
		_, _, err := store.Get("nope")
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("honours a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		Expect(store.Put(ctx, "k", []byte("v"), "text/plain")).To(MatchError(context.Canceled))
	})
})

type stubPutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (s *stubPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.input = params
	s.body, _ = io.ReadAll(params.Body)
	if s.err != nil {
		return nil, s.err
	}
	return &s3.PutObjectOutput{}, nil
}

var _ = Describe("S3Store", func() {
	It("puts into the configured bucket", func() {
		putter := &stubPutter{}
		store := newS3Store(putter, "receipts")

		Expect(store.Put(context.Background(), "compressed/a.jpg", []byte("jpeg"), "image/jpeg")).To(Succeed())
		Expect(aws.ToString(putter.input.Bucket)).To(Equal("receipts"))
		Expect(aws.ToString(putter.input.Key)).To(Equal("compressed/a.jpg"))
		Expect(aws.ToString(putter.input.ContentType)).To(Equal("image/jpeg"))
		Expect(string(putter.body)).To(Equal("jpeg"))
	})

	It("wraps client errors", func() {
		store := newS3Store(&stubPutter{err: errors.New("access denied")}, "receipts")
		err := store.Put(context.Background(), "k", nil, "text/plain")
		Expect(err).To(MatchError(ContainSubstring("s3 put receipts/k")))
	})

	It("requires a bucket", func() {
		_, err := NewS3Store(context.Background(), S3Config{Region: "eu-west-1"})
		Expect(err).To(HaveOccurred())
	})
})
