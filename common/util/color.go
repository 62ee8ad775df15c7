package util

import (
	"github.com/fatih/color"
)

//	color is forced on: CLI hints go to stderr, which is usually a pipe
//	under process supervisors
func paint(attribute color.Attribute, s string) string {
	painted := color.New(attribute)
	painted.EnableColor()
	return painted.SprintFunc()(s)
}

func Green(s string) string {
	return paint(color.FgHiGreen, s)
}

func Yellow(s string) string {
	return paint(color.FgHiYellow, s)
}

func Red(s string) string {
	return paint(color.FgHiRed, s)
}
