// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mikan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSearchPage(t *testing.T) {
	t.Parallel()

	raw := []byte(`<html><body>
<div class="an-info">
  <a class="an-text" href="/Home/Bangumi/3141" title="葬送的芙莉莲">葬送的芙莉莲</a>
</div>
<div class="an-info">
  <a class="an-text" href="/Home/Bangumi/3332" title="迷宫饭">迷宫饭</a>
</div>
<div class="an-info">
  <a class="an-text" href="/Home/Bangumi/3141" title="葬送的芙莉莲">重复条目</a>
</div>
<a href="/Home/Search?searchstr=x">其他链接</a>
</body></html>`)

	results, err := ParseSearchPage(raw)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "3141", results[0].MikanBangumiID)
	assert.Equal(t, "葬送的芙莉莲", results[0].Title)
	assert.Equal(t, "3332", results[1].MikanBangumiID)
	assert.Equal(t, "迷宫饭", results[1].Title)
}

func TestParseSearchPageFallsBackToAnchorText(t *testing.T) {
	t.Parallel()

	raw := []byte(`<a href="/Home/Bangumi/42">无标题属性的作品</a>`)

	results, err := ParseSearchPage(raw)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "42", results[0].MikanBangumiID)
	assert.Equal(t, "无标题属性的作品", results[0].Title)
}

func TestParseSearchPageEmpty(t *testing.T) {
	t.Parallel()

	results, err := ParseSearchPage([]byte(`<html><body><p>没有结果</p></body></html>`))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestParseSubgroups(t *testing.T) {
	t.Parallel()

	raw := []byte(`<html><body>
<div class="subgroup-text">
  <a class="subgroup-name" data-anchor="#583">桜都字幕组</a>
</div>
<div class="subgroup-text">
  <a class="subgroup-name" data-anchor="#370">LoliHouse</a>
</div>
<div class="subgroup-text">
  <a class="subgroup-name" data-anchor="#583">重复</a>
</div>
<div class="subgroup-text">
  <a class="subgroup-name" data-anchor="">缺少锚点</a>
</div>
</body></html>`)

	subgroups, err := ParseSubgroups(raw)
	require.NoError(t, err)

	require.Len(t, subgroups, 2)
	assert.Equal(t, Subgroup{ID: "583", Name: "桜都字幕组"}, subgroups[0])
	assert.Equal(t, Subgroup{ID: "370", Name: "LoliHouse"}, subgroups[1])
}

func TestParseSubgroupsEmpty(t *testing.T) {
	t.Parallel()

	subgroups, err := ParseSubgroups([]byte(`<html><body></body></html>`))
	require.NoError(t, err)
	assert.Empty(t, subgroups)
}
