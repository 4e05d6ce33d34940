package player

import (
	"fmt"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/sink"
)

// audioSinkMinDeepBufferDurationUs is the duration above which an
// audio-only stream prefers the deep-buffer sink mode.
const audioSinkMinDeepBufferDurationUs = 5_000_000

const audioSinkBufferCount = 8

// mapMimeToAudioFormat resolves the sink format for a compressed MIME
// type. PCM is the fallback the caller applies when mapping fails.
func mapMimeToAudioFormat(mime string) (sink.AudioFormat, error) {
	switch mime {
	case media.MimeAudioAAC:
		return sink.FormatAAC, nil
	case media.MimeAudioMPEG:
		return sink.FormatMP3, nil
	case media.MimeAudioVorbis:
		return sink.FormatVorbis, nil
	case media.MimeAudioRaw:
		return sink.FormatPCM16, nil
	default:
		return sink.FormatInvalid, fmt.Errorf("player: no audio format for mime %q", mime)
	}
}

// mapAACProfileToAudioFormat refines the AAC sink format by object
// type: LC, HE (SBR), and HEv2 (PS) offload differently.
func mapAACProfileToAudioFormat(profile int) sink.AudioFormat {
	switch profile {
	case 2:
		return sink.FormatAACLC
	case 5:
		return sink.FormatAACHEv1
	case 29:
		return sink.FormatAACHEv2
	default:
		return sink.FormatAAC
	}
}

// buildOffloadInfo assembles the comparable offload configuration for a
// format. Identity of two configurations is plain struct equality.
func (c *Controller) buildOffloadInfo(format *media.Format, audioFormat sink.AudioFormat) sink.OffloadInfo {
	return sink.OffloadInfo{
		SampleRate:  format.SampleRate,
		ChannelMask: format.ChannelMask,
		Format:      audioFormat,
		StreamType:  c.audioSink.StreamType(),
		BitRate:     format.BitRate,
		DurationUs:  format.DurationUs,
		HasVideo:    c.videoDecoder != nil,
		IsStreaming: true,
	}
}

// canOffloadStream decides at start whether the audio path should use
// compressed passthrough.
func (c *Controller) canOffloadStream(audioFormat *media.Format, hasVideo bool) bool {
	if audioFormat == nil || c.audioSink == nil {
		return false
	}
	af, err := mapMimeToAudioFormat(audioFormat.Mime)
	if err != nil || af == sink.FormatPCM16 {
		return false
	}
	if af == sink.FormatAAC && audioFormat.AACProfile != 0 {
		af = mapAACProfileToAudioFormat(audioFormat.AACProfile)
	}
	info := c.buildOffloadInfo(audioFormat, af)
	info.HasVideo = hasVideo
	return c.audioSink.SupportsOffload(info)
}

// openAudioSink opens or reopens the audio sink for the given format.
// Under offload it deduplicates byte-identical configurations, passes
// codec metadata to the hardware on success, and falls back to PCM on
// failure. The PCM open must always succeed: a sink that cannot accept
// a valid 16-bit PCM configuration violates the platform contract.
func (c *Controller) openAudioSink(format *media.Format, offloadOnly bool) {
	c.log.Debug("open audio sink", "offload_only", offloadOnly, "offload", c.offloadAudio)

	if c.audioSink == nil {
		return
	}

	sinkChanged := false

	channelMask := format.ChannelMask
	numChannels := format.ChannelCount
	sampleRate := format.SampleRate

	flags := sink.FlagNone
	if c.videoDecoder == nil {
		if durationUs, err := c.src.Duration(); err == nil &&
			durationUs > audioSinkMinDeepBufferDurationUs {
			flags = sink.FlagDeepBuffer
		}
	}

	if c.offloadAudio {
		audioFormat, err := mapMimeToAudioFormat(format.Mime)
		if err != nil {
			c.log.Error("cannot map mime to audio format", "mime", format.Mime, "error", err)
			c.offloadAudio = false
		} else {
			if audioFormat == sink.FormatAAC && format.AACProfile != 0 {
				audioFormat = mapAACProfileToAudioFormat(format.AACProfile)
			}

			info := c.buildOffloadInfo(format, audioFormat)
			if c.hasOffloadInfo && info == c.currentOffloadInfo {
				// No change from the previous configuration.
				return
			}

			c.log.Info("opening audio sink in offload mode", "format", audioFormat)
			sinkChanged = true
			c.audioSink.Close()
			err = c.audioSink.Open(sink.Config{
				SampleRate:   sampleRate,
				ChannelCount: numChannels,
				ChannelMask:  channelMask,
				Format:       audioFormat,
				BufferCount:  audioSinkBufferCount,
				Flags:        (flags | sink.FlagCompressOffload) &^ sink.FlagDeepBuffer,
				Offload:      &info,
			})
			if err == nil {
				// Offloaded playback bypasses the mixer, so the hardware
				// needs the codec parameters directly.
				c.audioSink.SetCodecMetadata(map[string]any{
					"mime":        format.Mime,
					"sample-rate": sampleRate,
					"channels":    numChannels,
					"bit-rate":    format.BitRate,
				})
				c.currentOffloadInfo = info
				c.hasOffloadInfo = true
				err = c.audioSink.Start()
			}
			if err != nil {
				c.log.Warn("offload open failed, falling back to PCM", "error", err)
				c.audioSink.Close()
				if c.rend != nil {
					c.rend.SignalDisableOffloadAudio()
				}
				c.offloadAudio = false
				c.hasOffloadInfo = false
			}
		}
	}

	if !offloadOnly && !c.offloadAudio {
		c.log.Debug("opening audio sink in PCM mode")
		sinkChanged = true
		c.audioSink.Close()
		c.hasOffloadInfo = false
		err := c.audioSink.Open(sink.Config{
			SampleRate:   sampleRate,
			ChannelCount: numChannels,
			ChannelMask:  channelMask,
			Format:       sink.FormatPCM16,
			BufferCount:  audioSinkBufferCount,
			Flags:        flags &^ sink.FlagCompressOffload,
		})
		if err != nil {
			// A valid PCM configuration must always be openable.
			panic(fmt.Sprintf("player: PCM audio sink open failed: %v", err))
		}
		if err := c.audioSink.Start(); err != nil {
			c.log.Error("audio sink start failed", "error", err)
		}
	}

	if sinkChanged && c.rend != nil {
		c.rend.SignalAudioSinkChanged()
	}
}

func (c *Controller) closeAudioSink() {
	if c.audioSink != nil {
		c.audioSink.Close()
	}
	c.hasOffloadInfo = false
	c.currentOffloadInfo = sink.OffloadInfo{}
}
