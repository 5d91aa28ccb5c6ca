package constants

// Compression selects the block codec used for artifact payloads.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZSTD Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// TextExample selects the token ids fed to the text tower when tracing.
type TextExample string

const (
	TextExampleOnes TextExample = "ones"
	TextExampleEOT  TextExample = "eot"
)
