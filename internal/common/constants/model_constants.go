package constants

// Flavor names the upstream library a pretrained model was published for.
type Flavor string

const (
	FlavorOpenCLIP     Flavor = "open_clip"
	FlavorTransformers Flavor = "transformers"
)

// EncoderKind identifies which tower(s) an exported artifact wraps.
type EncoderKind string

const (
	EncoderImage    EncoderKind = "image"
	EncoderText     EncoderKind = "text"
	EncoderCombined EncoderKind = "combined"
)

// CaptureMode records how a wrapper program was turned into an artifact.
type CaptureMode string

const (
	// CaptureScript preserves every branch and symbolic dimension.
	CaptureScript CaptureMode = "script"
	// CaptureTrace only holds the instructions executed for the example inputs.
	CaptureTrace CaptureMode = "trace"
)

const (
	DefaultEmbedDim      = 512
	DefaultImageSize     = 224
	DefaultContextLength = 77

	// NormEpsilon guards the L2 normalization denominator: x / sqrt(sum(x^2) + eps).
	NormEpsilon = 1e-12

	// NormalizedTolerance is how far from 1.0 a norm may drift and still count as unit length.
	NormalizedTolerance = 0.01

	// ParityTolerance bounds the per-element difference between an artifact and the in-process wrapper.
	ParityTolerance = 1e-5

	SOTToken = "<|startoftext|>"
	EOTToken = "<|endoftext|>"
)

// Video frame geometry: frames are letterboxed to FrameSize then center-cropped to CropSize.
const (
	FrameSize = 256
	CropSize  = 224
)

// Per-channel RGB statistics of the CLIP training distribution.
var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)
