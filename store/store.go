// Package store persists saved meals and their photos.
package store

import (
	"context"
	"strings"

	"nutrilens"
)

// MealStore is the meal history.
type MealStore interface {
	// Save assigns an id and creation time when missing and returns the
	// stored record. Saving an existing id replaces it.
	Save(ctx context.Context, rec nutrilens.MealRecord) (nutrilens.MealRecord, error)
	// List returns up to limit meals, newest first.
	List(ctx context.Context, limit int) ([]nutrilens.MealRecord, error)
	Get(ctx context.Context, id string) (nutrilens.MealRecord, error)
	Delete(ctx context.Context, id string) error
}

// ImageStore keeps meal photos and returns where each one can be found.
type ImageStore interface {
	Put(ctx context.Context, key string, img nutrilens.Image) (string, error)
	Load(ctx context.Context, key string) (nutrilens.Image, error)
}

// ImageKey names the object for a meal's photo.
func ImageKey(mealID string, img nutrilens.Image) string {
	return mealID + "." + img.Format()
}

var mediaTypes = map[string]string{
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

func mediaTypeFromKey(key string) string {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "image/jpeg"
	}
	if mt, ok := mediaTypes[strings.ToLower(key[i+1:])]; ok {
		return mt
	}
	return "image/jpeg"
}
