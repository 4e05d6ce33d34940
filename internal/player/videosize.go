package player

import "github.com/zsiec/refract/internal/media"

// updateVideoSize computes the display dimensions from the decoder
// output format (crop-aware) or the source input format, applies the
// sample aspect ratio, honors rotation, and reports the result.
func (c *Controller) updateVideoSize(inputFormat, outputFormat *media.Format) {
	if inputFormat == nil {
		c.log.Warn("unknown video size, reporting 0x0")
		c.notifyListener(MediaSetVideoSize, 0, 0, nil)
		return
	}

	var displayWidth, displayHeight int

	if outputFormat != nil && outputFormat.Crop != nil {
		crop := outputFormat.Crop
		displayWidth = crop.Right - crop.Left + 1
		displayHeight = crop.Bottom - crop.Top + 1

		c.log.Debug("video output format changed",
			"width", outputFormat.Width, "height", outputFormat.Height,
			"display_width", displayWidth, "display_height", displayHeight)
	} else {
		displayWidth = inputFormat.Width
		displayHeight = inputFormat.Height
	}

	if inputFormat.SARWidth > 0 && inputFormat.SARHeight > 0 {
		displayWidth = displayWidth * inputFormat.SARWidth / inputFormat.SARHeight
	}

	if inputFormat.RotationDegrees == 90 || inputFormat.RotationDegrees == 270 {
		displayWidth, displayHeight = displayHeight, displayWidth
	}

	c.notifyListener(MediaSetVideoSize, displayWidth, displayHeight, nil)
}
