package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// ResolveManifest returns the absolute precache URLs: the inline manifest
// followed by the entries of the manifest file, each resolved against the
// origin.
func ResolveManifest(agent AgentConfig) ([]string, error) {
	entries := append([]string(nil), agent.Manifest...)
	if agent.ManifestFile != "" {
		data, err := os.ReadFile(agent.ManifestFile)
		if err != nil {
			return nil, fmt.Errorf("read manifest file: %w", err)
		}
		fromFile, err := parseManifestFile(data)
		if err != nil {
			return nil, fmt.Errorf("parse manifest file %s: %w", agent.ManifestFile, err)
		}
		entries = append(entries, fromFile...)
	}
	if len(entries) == 0 {
		return nil, errors.New("manifest is empty")
	}

	base, err := url.Parse(agent.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		ref, err := url.Parse(e)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", e, err)
		}
		urls = append(urls, base.ResolveReference(ref).String())
	}
	return urls, nil
}

// parseManifestFile accepts either a precache list, whose entries are URL
// strings or objects with a "url" field, or a web app manifest, from which
// start_url and every icon src are taken.
func parseManifestFile(data []byte) ([]string, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(data)

	var urls []string
	switch {
	case root.IsArray():
		for i, v := range root.Array() {
			switch {
			case v.Type == gjson.String:
				urls = append(urls, v.String())
			case v.IsObject() && v.Get("url").Type == gjson.String:
				urls = append(urls, v.Get("url").String())
			default:
				return nil, fmt.Errorf("entry %d: want a URL string or an object with a url", i)
			}
		}
	case root.IsObject():
		if start := root.Get("start_url"); start.Type == gjson.String {
			urls = append(urls, start.String())
		}
		for _, src := range root.Get("icons.#.src").Array() {
			urls = append(urls, src.String())
		}
	default:
		return nil, errors.New("want a JSON array or a web app manifest object")
	}
	return urls, nil
}
