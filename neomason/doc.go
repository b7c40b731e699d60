// Package neomason implements a Discord bot that replies to keywords,
// tracks 'based' reputation points, and posts a scheduled daily message.
//
// Key components of the package include:
//
//   - NeoMason: Owns the store and cache, and runs the bot until shut down.
//   - Store: Persists keyword responses, reputation and scheduler state
//     (sqlite or postgres, via gorm, with golang-migrate migrations).
//   - GuildState: The in-memory, write-through cache of compiled keyword
//     matchers for each guild.
//   - Ledger: Awards reputation points.
//   - Dispatcher: Turns messages and slash commands into replies.
//   - Scheduler: Sends the daily announcement once per day.
//   - Discord: The discordgo-backed Transport.
//   - API: Optional health, metrics and admin HTTP endpoints.
//
// Message commands (with the default '!' prefix):
//
//   - based: Award a point to the mentioned user, the author of the
//     message being replied to, or the author of the last message.
//   - !basedstats: Show the guild's scores.
//   - !list: List the guild's keyword responses.
//   - !set "some keywords" a response: Add a keyword response.
//   - !delresp keyword: Remove a keyword response.
//   - gank: Post the attachments of a random recent message from the
//     gank channel.
//
// The same commands are available as slash commands.
package neomason
