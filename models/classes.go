// Package models - Class names of the datasets networks are trained on.
package models

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ClassSet identifies the dataset whose classes a network predicts.
type ClassSet string

const (
	// ClassSetCOCO is the 80 COCO classes, no background.
	ClassSetCOCO ClassSet = "coco"
	// ClassSetVOC is the 20 Pascal VOC classes, no background.
	ClassSetVOC ClassSet = "voc"
)

// cocoClasses are indexed by the zero-based label of YOLO networks.
var cocoClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "stop sign",
	"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag",
	"tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard",
	"tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot",
	"hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote",
	"keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

var vocClasses = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat",
	"chair", "cow", "diningtable", "dog", "horse", "motorbike", "person",
	"pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

// ClassNames returns the class names of a set. Index i is the name of label i.
func ClassNames(set ClassSet) ([]string, error) {
	switch ClassSet(strings.ToLower(string(set))) {
	case ClassSetCOCO:
		return cocoClasses, nil
	case ClassSetVOC:
		return vocClasses, nil
	}
	return nil, errors.Errorf("unknown class set %q", set)
}

// Label returns the name of label, or its number when names has no entry
// for it.
func Label(names []string, label int) string {
	if label >= 0 && label < len(names) {
		return names[label]
	}
	return "class " + strconv.Itoa(label)
}
