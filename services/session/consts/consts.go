package consts

const (
	// Naming conventions on disk
	AudioFilePrefix      = "audio_file_"
	OutputDirPrefix      = "session_"
	ManifestPrefix       = "image_urls_"
	ManifestExt          = ".txt"
	JobDirPrefix         = "job_"
	EnginePrefix         = "audio"
	TranscriptPrefix     = "transcription"
	SubtitleExt          = ".srt"
	ConvertedSuffix      = "_converted.txt"
	DefaultAudioExt      = ".wav"
	ImagesRoute          = "/images"
	StderrTailBytes      = 4096
	DefaultMaxUploadSize = 512 << 20
)

// EngineOutputExts are the files whisperx writes per input with --output_format all.
var EngineOutputExts = []string{".srt", ".vtt", ".txt", ".tsv", ".json"}
