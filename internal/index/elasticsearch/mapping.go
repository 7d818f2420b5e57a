package esindex

// analysis settings for Japanese text. The kuromoji and icu plugins must be
// installed on the cluster.
func indexSettings() map[string]any {
	return map[string]any{
		"index": map[string]any{
			"analysis": map[string]any{
				"tokenizer": map[string]any{
					"kuromoji_tokenizer_search": map[string]any{
						"type": "kuromoji_tokenizer",
						"mode": "search",
					},
				},
				"filter": map[string]any{
					"kuromoji_no_romaji_readingform": map[string]any{
						"type":       "kuromoji_readingform",
						"use_romaji": false,
					},
					"kana_filter": map[string]any{
						"type": "icu_transform",
						"id":   "Katakana-Hiragana",
					},
				},
				"analyzer": map[string]any{
					"default": map[string]any{
						"type":        "custom",
						"char_filter": []string{"icu_normalizer"},
						"tokenizer":   "kuromoji_tokenizer",
						"filter": []string{
							"kuromoji_baseform",
							"kuromoji_part_of_speech",
							"cjk_width",
							"ja_stop",
							"kuromoji_stemmer",
							"lowercase",
						},
					},
					"reading_form": map[string]any{
						"type":        "custom",
						"char_filter": []string{"icu_normalizer"},
						"tokenizer":   "kuromoji_tokenizer_search",
						"filter": []string{
							"kuromoji_baseform",
							"kuromoji_part_of_speech",
							"cjk_width",
							"stop",
							"ja_stop",
							"kuromoji_stemmer",
							"kuromoji_no_romaji_readingform",
							"kana_filter",
							"lowercase",
						},
					},
					"kuromoji_completion_index": map[string]any{
						"type": "kuromoji_completion",
						"mode": "index",
					},
					"kuromoji_completion_query": map[string]any{
						"type": "kuromoji_completion",
						"mode": "query",
					},
				},
			},
		},
	}
}

func field(kind string) map[string]any { return map[string]any{"type": kind} }

func nested(props map[string]any) map[string]any {
	return map[string]any{"type": "nested", "properties": props}
}

func object(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}

// completionContexts are the category contexts a suggestion can be filtered by.
var completionContexts = []string{"faculty", "field", "program", "category", "year", "semester"}

func subjectMapping() map[string]any {
	contexts := make([]map[string]any, 0, len(completionContexts))
	for _, name := range completionContexts {
		contexts = append(contexts, map[string]any{"name": name, "type": "category"})
	}
	return map[string]any{
		"id":          field("integer"),
		"timetableId": field("keyword"),
		"courseId":    field("keyword"),
		"credits":     field("integer"),
		"code":        map[string]any{"type": "keyword", "index": false},
		"flags":       field("keyword"),
		"categories": nested(map[string]any{
			"available": field("boolean"),
			"year":      field("integer"),
			"semester":  field("keyword"),
			"faculty":   field("keyword"),
			"field":     field("keyword"),
			"program":   field("keyword"),
			"category":  field("keyword"),
			"schedule": object(map[string]any{
				"type": field("keyword"),
				"days": nested(map[string]any{
					"date": field("integer"),
					"hour": field("integer"),
				}),
			}),
		}),
		"type":  field("keyword"),
		"class": field("keyword"),
		"title": map[string]any{
			"type": "text",
			"fields": map[string]any{
				"reading": map[string]any{"type": "text", "analyzer": "reading_form"},
			},
		},
		"instructors": nested(map[string]any{
			"id": field("keyword"),
			"name": map[string]any{
				"type":   "text",
				"fields": map[string]any{"keyword": field("keyword")},
			},
		}),
		"outline":       field("text"),
		"purpose":       field("text"),
		"requirement":   field("text"),
		"point":         field("text"),
		"textbook":      field("text"),
		"gradingPolicy": field("text"),
		"remark":        field("text"),
		"researchPlan":  field("text"),
		"plans": nested(map[string]any{
			"topic":    field("text"),
			"content":  field("text"),
			"isOnline": field("boolean"),
		}),
		"goal": object(map[string]any{
			"description": field("text"),
			"evaluations": nested(map[string]any{
				"label":       field("text"),
				"description": field("text"),
			}),
		}),
		"attachments": nested(map[string]any{
			"name": field("text"),
			"key":  map[string]any{"type": "keyword", "index": false},
		}),
		"completion": map[string]any{
			"type":                         "completion",
			"analyzer":                     "kuromoji_completion_index",
			"search_analyzer":              "kuromoji_completion_query",
			"preserve_separators":          false,
			"preserve_position_increments": true,
			"max_input_length":             50,
			"contexts":                     contexts,
		},
	}
}

// createIndexBody is the request body for creating one generation index.
func createIndexBody() map[string]any {
	return map[string]any{
		"settings": indexSettings(),
		"mappings": map[string]any{
			"dynamic":    "strict",
			"properties": subjectMapping(),
		},
	}
}
